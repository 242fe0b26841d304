package policy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/ai"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/journal"
	"github.com/sirupsen/logrus"
)

var testApp = &domain.App{Name: "Calm", Package: "com.calm", MainActivity: ".MainActivity"}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testOptions(dev Device) Options {
	return Options{
		Device:       dev,
		App:          testApp,
		Logger:       testLogger(),
		PollInterval: time.Millisecond,
		Rand:         rand.New(rand.NewSource(1)),
	}
}

// fakeDevice 由 stateFn 决定每次读屏的结果，记录发送过的事件
type fakeDevice struct {
	mu         sync.Mutex
	stateFn    func() (*domain.State, error)
	onSend     func(e *domain.Event)
	foreground bool
	sent       []*domain.Event
	polls      int
}

func (d *fakeDevice) GetCurrentState(context.Context) (*domain.State, error) {
	d.mu.Lock()
	d.polls++
	fn := d.stateFn
	d.mu.Unlock()
	return fn()
}

func (d *fakeDevice) Send(_ context.Context, e *domain.Event) error {
	d.mu.Lock()
	d.sent = append(d.sent, e)
	onSend := d.onSend
	d.mu.Unlock()
	if onSend != nil {
		onSend(e)
	}
	return nil
}

func (d *fakeDevice) IsForeground(context.Context, *domain.App) (bool, error) {
	return d.foreground, nil
}

func (d *fakeDevice) GetPossibleEvents(s *domain.State) []*domain.Event {
	return s.PossibleEvents()
}

func (d *fakeDevice) GetScrollableRegions(s *domain.State) []*domain.View {
	return s.ScrollableViews()
}

func (d *fakeDevice) DisplaySize() (int, int) {
	return 1080, 1920
}

func (d *fakeDevice) sentEvents() []*domain.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*domain.Event(nil), d.sent...)
}

func staticDevice(s *domain.State) *fakeDevice {
	return &fakeDevice{stateFn: func() (*domain.State, error) { return s, nil }, foreground: s.Depth == 0}
}

func button(text string, top int) domain.View {
	return domain.View{
		Class:     "android.widget.Button",
		Text:      text,
		Enabled:   true,
		Clickable: true,
		Bounds:    domain.Bounds{Left: 0, Top: top, Right: 400, Bottom: top + 100},
	}
}

func newState(activity string, depth int, views ...domain.View) *domain.State {
	for i := range views {
		views[i].Index = i
	}
	return domain.NewState(activity, testApp.Package, views, depth, time.Now())
}

// scrollDevice 一个列表页: 每页 5 项，翻页重叠 2 项
type scrollDevice struct {
	fakeDevice
	page  int
	pages int
}

func newScrollDevice(pages int) *scrollDevice {
	d := &scrollDevice{pages: pages}
	d.foreground = true
	d.stateFn = func() (*domain.State, error) {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.pageState(d.page), nil
	}
	d.onSend = func(e *domain.Event) {
		if e.Kind != domain.EventScroll {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		switch e.Direction {
		case domain.ScrollDown:
			if d.page < d.pages-1 {
				d.page++
			}
		case domain.ScrollUp:
			if d.page > 0 {
				d.page--
			}
		}
	}
	return d
}

func (d *scrollDevice) pageState(page int) *domain.State {
	views := []domain.View{{
		Class:      "android.widget.ListView",
		Enabled:    true,
		Scrollable: true,
		Bounds:     domain.Bounds{Left: 0, Top: 0, Right: 1080, Bottom: 1500},
	}}
	for i := page * 3; i < page*3+5; i++ {
		views = append(views, button(fmt.Sprintf("Item %d", i), (i-page*3)*300))
	}
	return newState("com.calm/.ListActivity", 0, views...)
}

func (d *scrollDevice) currentPage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.page
}

// fakeOracle 返回预设的决策并记录请求
type fakeOracle struct {
	decisions []*ai.Decision
	requests  []ai.DecisionRequest
	err       error
}

func (o *fakeOracle) Decide(_ context.Context, req ai.DecisionRequest) (*ai.Decision, error) {
	o.requests = append(o.requests, req)
	if o.err != nil {
		return nil, o.err
	}
	if len(o.decisions) == 0 {
		return nil, errors.New("no decision scripted")
	}
	d := o.decisions[0]
	o.decisions = o.decisions[1:]
	return d, nil
}

type memorySink struct {
	records []journal.Record
}

func (s *memorySink) Append(_ context.Context, rec journal.Record) error {
	s.records = append(s.records, rec)
	return nil
}

type staticNotes struct {
	notes []string
	creds map[string]string
}

func (n staticNotes) Notes() []string {
	return n.notes
}

func (n staticNotes) Credentials(string) map[string]string {
	return n.creds
}
