package adb

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Runner 执行 adb 命令，测试中可替换
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Client ADB 客户端
type Client struct {
	path    string        // adb 可执行文件
	serial  string        // 设备序列号或 host:port
	timeout time.Duration // 单条命令超时
	runner  Runner
	logger  *logrus.Logger
}

// NewClient 创建 ADB 客户端
func NewClient(path, serial string, timeout time.Duration, logger *logrus.Logger) *Client {
	if path == "" {
		path = "adb"
	}
	return &Client{
		path:    path,
		serial:  serial,
		timeout: timeout,
		runner:  execRunner{},
		logger:  logger,
	}
}

// WithRunner 替换命令执行器
func (c *Client) WithRunner(r Runner) *Client {
	c.runner = r
	return c
}

// Serial 设备序列号
func (c *Client) Serial() string {
	return c.serial
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.serial != "" {
		args = append([]string{"-s", c.serial}, args...)
	}
	output, err := c.runner.Run(ctx, c.path, args...)
	if err != nil {
		return string(output), fmt.Errorf("adb %s failed: %w, output: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// Shell 执行 shell 命令
func (c *Client) Shell(ctx context.Context, command string) (string, error) {
	return c.run(ctx, "shell", command)
}

// Connect 网络设备（host:port）需要先 adb connect
func (c *Client) Connect(ctx context.Context) error {
	if !strings.Contains(c.serial, ":") {
		return nil
	}
	output, err := c.runner.Run(ctx, c.path, "connect", c.serial)
	if err != nil {
		return fmt.Errorf("adb connect failed: %w, output: %s", err, string(output))
	}
	c.logger.WithFields(logrus.Fields{
		"serial": c.serial,
		"output": strings.TrimSpace(string(output)),
	}).Info("ADB connected")
	return nil
}

// Install 安装 APK
// -r: 替换已存在的应用
// -g: 自动授予所有运行时权限
func (c *Client) Install(ctx context.Context, apkPath string) error {
	c.logger.WithField("apk_path", apkPath).Info("Installing APK with auto-grant permissions")

	output, err := c.run(ctx, "install", "-r", "-g", apkPath)
	if err != nil {
		return err
	}
	if !strings.Contains(output, "Success") {
		return fmt.Errorf("install failed: %s", output)
	}
	return nil
}

// Tap 点击屏幕坐标
func (c *Client) Tap(ctx context.Context, x, y int) error {
	_, err := c.Shell(ctx, fmt.Sprintf("input tap %d %d", x, y))
	return err
}

// LongTap 长按（原地滑动）
func (c *Client) LongTap(ctx context.Context, x, y int, duration time.Duration) error {
	return c.Swipe(ctx, x, y, x, y, duration)
}

// Swipe 滑动
func (c *Client) Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error {
	_, err := c.Shell(ctx, fmt.Sprintf("input swipe %d %d %d %d %d", x1, y1, x2, y2, duration.Milliseconds()))
	return err
}

// InputText 输入文本
func (c *Client) InputText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	_, err := c.Shell(ctx, "input text "+EscapeText(text))
	return err
}

// EscapeText 转义 input text 的特殊字符，空格替换为 %s
func EscapeText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '\'', '"', '(', ')', '&', '<', '>', ';', '|', '*', '\\', '$', '`', '!', '?', '#':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var keyCodes = map[string]int{
	"HOME":        3,
	"BACK":        4,
	"DPAD_UP":     19,
	"DPAD_DOWN":   20,
	"DPAD_LEFT":   21,
	"DPAD_RIGHT":  22,
	"DPAD_CENTER": 23,
	"VOLUME_UP":   24,
	"VOLUME_DOWN": 25,
	"POWER":       26,
	"TAB":         61,
	"ENTER":       66,
	"DEL":         67,
	"MENU":        82,
	"SEARCH":      84,
	"APP_SWITCH":  187,
}

// KeyEvent 按键，name 为 BACK / HOME 等或数字键码
func (c *Client) KeyEvent(ctx context.Context, name string) error {
	code, ok := keyCodes[strings.ToUpper(name)]
	if !ok {
		n, err := strconv.Atoi(name)
		if err != nil {
			return fmt.Errorf("unknown key %q", name)
		}
		code = n
	}
	_, err := c.Shell(ctx, fmt.Sprintf("input keyevent %d", code))
	return err
}

// StartActivity 启动 Activity；component 不含 / 时通过 monkey 启动 launcher
func (c *Client) StartActivity(ctx context.Context, component string) error {
	c.logger.WithField("component", component).Debug("Starting activity")

	var cmd string
	if strings.Contains(component, "/") {
		cmd = "am start -n " + component
	} else {
		cmd = fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", component)
	}
	output, err := c.Shell(ctx, cmd)
	if err != nil {
		return err
	}
	if strings.Contains(output, "Error") {
		return fmt.Errorf("start activity failed: %s", output)
	}
	return nil
}

// ForceStop 强制停止应用
func (c *Client) ForceStop(ctx context.Context, packageName string) error {
	_, err := c.Shell(ctx, "am force-stop "+packageName)
	return err
}

// DumpHierarchy 读取当前 UI 层级 XML
func (c *Client) DumpHierarchy(ctx context.Context) (string, error) {
	remotePath := "/sdcard/window_dump.xml"
	if _, err := c.Shell(ctx, "uiautomator dump "+remotePath); err != nil {
		return "", fmt.Errorf("uiautomator dump failed: %w", err)
	}
	output, err := c.Shell(ctx, "cat "+remotePath)
	if err != nil {
		return "", err
	}
	idx := strings.Index(output, "<?xml")
	if idx < 0 {
		idx = strings.Index(output, "<hierarchy")
	}
	if idx < 0 {
		return "", fmt.Errorf("no hierarchy in dump output")
	}
	return output[idx:], nil
}

// activityRecord 匹配 ActivityRecord{xxx u0 com.example/.Main t12}
var activityRecord = regexp.MustCompile(`ActivityRecord\{[0-9a-f]+ u\d+ ([\w.]+)/([\w.$]+)`)

// ActivityStack 返回 Activity 栈（栈顶在前），元素形如 pkg/.Activity
func (c *Client) ActivityStack(ctx context.Context) ([]string, error) {
	output, err := c.Shell(ctx, "dumpsys activity activities")
	if err != nil {
		return nil, err
	}
	return ParseActivityStack(output), nil
}

// ParseActivityStack 从 dumpsys 输出解析任务栈中的 Activity（去重，保持顺序）
func ParseActivityStack(output string) []string {
	var stack []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "* Hist") && !strings.HasPrefix(line, "Hist #") && !strings.Contains(line, "ResumedActivity") {
			continue
		}
		m := activityRecord.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := m[1] + "/" + m[2]
		if seen[name] {
			continue
		}
		seen[name] = true
		stack = append(stack, name)
	}
	return stack
}

// FocusedActivity 当前前台 Activity（pkg/.Activity）
func (c *Client) FocusedActivity(ctx context.Context) (string, error) {
	output, err := c.Shell(ctx, "dumpsys activity activities | grep -E 'mResumedActivity|topResumedActivity'")
	if err != nil {
		return "", err
	}
	m := activityRecord.FindStringSubmatch(output)
	if m == nil {
		return "", fmt.Errorf("failed to get focused activity")
	}
	return m[1] + "/" + m[2], nil
}

var wmSize = regexp.MustCompile(`(\d+)x(\d+)`)

// DisplaySize 屏幕分辨率
func (c *Client) DisplaySize(ctx context.Context) (int, int, error) {
	output, err := c.Shell(ctx, "wm size")
	if err != nil {
		return 0, 0, err
	}
	// Override size 优先
	lines := strings.Split(strings.TrimSpace(output), "\n")
	m := wmSize.FindStringSubmatch(lines[len(lines)-1])
	if m == nil {
		return 0, 0, fmt.Errorf("unexpected wm size output: %s", output)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	return w, h, nil
}

// Screenshot 截图，返回 PNG 数据
func (c *Client) Screenshot(ctx context.Context) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	args := []string{"exec-out", "screencap", "-p"}
	if c.serial != "" {
		args = append([]string{"-s", c.serial}, args...)
	}
	data, err := c.runner.Run(ctx, c.path, args...)
	if err != nil {
		return nil, fmt.Errorf("screencap failed: %w", err)
	}
	return data, nil
}
