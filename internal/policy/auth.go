package policy

import (
	"regexp"
	"strings"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
)

// DefaultPIN 找不到任何凭据但屏幕上有 PIN 输入框时的兜底值，没有任何确认步骤
const DefaultPIN = "1234"

// 凭据类型
const (
	CredentialPIN      = "pin"
	CredentialPassword = "password"
	CredentialUsername = "username"
	CredentialEmail    = "email"
)

var authKeywords = []string{
	"login", "sign in", "sign up", "register", "pin", "password", "username",
	"email", "phone number", "verification", "code", "digit pass", "authenticate",
	"security", "access", "identity", "authorized", "unlock", "protect",
}

var privacyTerms = []string{"secure", "protect", "privacy", "sensitive"}

var navigationPatterns = []string{
	"long press", "swipe", "hold", "hidden", "secret", "trick",
	"gesture", "double tap", "slide", "pinch", "zoom", "shake",
}

type credentialPattern struct {
	kind     string
	patterns []*regexp.Regexp
}

// credentialPatterns 按类型排列，每类取第一个命中的模式
var credentialPatterns = []credentialPattern{
	{CredentialPIN, compileAll(
		`pin[:\s=]+(\d+)`,
		`use\s+(?:the\s+)?pin\s+(\d+)`,
		`use\s+(\d{4})`,
		`pin.*?(\d{4})`,
		`(\d{4}).*?pin`,
		`enter\s+.*?(\d{4})`,
		`code[:\s=]+(\d+)`,
		`digit[^\d]*(\d{4})`,
		`passcode[:\s=]+(\d+)`,
	)},
	{CredentialPassword, compileAll(
		`password[:\s=]+([^\s.,]+)`,
		`use\s+(?:the\s+)?password\s+([^\s.,]+)`,
		`pass[:\s=]+([^\s.,]+)`,
	)},
	{CredentialUsername, compileAll(
		`username[:\s=]+([^\s.,]+)`,
		`use\s+(?:the\s+)?username\s+([^\s.,]+)`,
		`user[:\s=]+([^\s.,]+)`,
	)},
	{CredentialEmail, compileAll(
		`email[:\s=]+([^\s,@]+@[\w.-]*\w)`,
		`use\s+(?:the\s+)?email\s+([^\s,@]+@[\w.-]*\w)`,
	)},
}

var fourDigits = regexp.MustCompile(`\b(\d{4})\b`)

// 输入框描述中暗示凭据类型的词
var credentialFieldHints = map[string][]string{
	CredentialPIN:      {"digit", "code", "security", "verify", "unlock"},
	CredentialPassword: {"pass", "secret", "secure"},
	CredentialUsername: {"user", "name", "account", "id"},
	CredentialEmail:    {"mail", "@", "address"},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, expr := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + expr)
	}
	return out
}

// IsAuthenticationScreen 屏幕描述是否像登录/PIN/验证页
func IsAuthenticationScreen(screen string) bool {
	lower := strings.ToLower(screen)
	for _, kw := range authKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if !strings.Contains(lower, "<input") {
		return false
	}
	for _, term := range privacyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// ExtractCredentials 从一段文字中提取凭据；没有命中时返回空 map，不补默认 PIN
func ExtractCredentials(text string) map[string]string {
	creds := make(map[string]string)
	if text == "" {
		return creds
	}
	matchInto(creds, text)
	if _, ok := creds[CredentialPIN]; !ok {
		if m := fourDigits.FindStringSubmatch(text); m != nil {
			creds[CredentialPIN] = m[1]
		}
	}
	return creds
}

// credentialsFromNotes 逐条备注提取凭据，再用已保存的凭据补齐；仍为空时给出默认 PIN
func credentialsFromNotes(notes []string, stored map[string]string) map[string]string {
	creds := make(map[string]string)
	for _, note := range notes {
		matchInto(creds, note)
	}
	if _, ok := creds[CredentialPIN]; !ok {
		if m := fourDigits.FindStringSubmatch(strings.Join(notes, " ")); m != nil {
			creds[CredentialPIN] = m[1]
		}
	}
	for kind, value := range stored {
		if _, ok := credentialFieldHints[kind]; !ok || value == "" {
			continue
		}
		if _, ok := creds[kind]; !ok {
			creds[kind] = value
		}
	}
	if len(creds) == 0 {
		creds[CredentialPIN] = DefaultPIN
	}
	return creds
}

func matchInto(creds map[string]string, text string) {
	for _, cp := range credentialPatterns {
		for _, re := range cp.patterns {
			if m := re.FindStringSubmatch(text); m != nil {
				creds[cp.kind] = m[1]
				break
			}
		}
	}
}

// HasNavigationHints 备注提到特殊手势，且手势中的有效词出现在屏幕上
func HasNavigationHints(notes []string, screen string) bool {
	lower := strings.ToLower(screen)
	for _, note := range notes {
		noteLower := strings.ToLower(note)
		for _, hint := range navigationPatterns {
			if !strings.Contains(noteLower, hint) {
				continue
			}
			for _, term := range strings.Fields(hint) {
				if len(term) > 3 && strings.Contains(lower, term) {
					return true
				}
			}
		}
	}
	return false
}

func inputMatchesCredential(line, kind string) bool {
	for _, hint := range credentialFieldHints[kind] {
		if strings.Contains(line, hint) {
			return true
		}
	}
	return false
}

// authAction 认证页直接填写的结果
type authAction struct {
	index   int
	kind    string
	value   string
	event   *domain.Event
	thought string
}

// directAuthAction 在认证页上找到与凭据匹配的输入框，直接生成输入事件；找不到返回 nil
func directAuthAction(actions []domain.DescribedAction, notes []string, stored map[string]string) *authAction {
	lines := make([]string, len(actions))
	for i := range actions {
		lines[i] = strings.ToLower(actions[i].Render(i))
	}
	screen := strings.Join(lines, "\n")
	if !IsAuthenticationScreen(screen) {
		return nil
	}

	hasPINField := strings.Contains(screen, "<input") && strings.Contains(screen, "pin")
	creds := credentialsFromNotes(notes, stored)
	if _, ok := creds[CredentialPIN]; !ok && hasPINField {
		creds = map[string]string{CredentialPIN: DefaultPIN}
	}

	index, kind := -1, ""
	if _, ok := creds[CredentialPIN]; ok && hasPINField {
		for i, line := range lines {
			if strings.Contains(line, "<input") && (strings.Contains(line, "pin") || strings.Contains(line, "digit")) {
				index, kind = i, CredentialPIN
				break
			}
		}
	}
	if index < 0 {
	scan:
		for i, line := range lines {
			if !strings.Contains(line, "<input") {
				continue
			}
			for _, cp := range credentialPatterns {
				if _, ok := creds[cp.kind]; !ok {
					continue
				}
				if strings.Contains(line, cp.kind) || inputMatchesCredential(line, cp.kind) {
					index, kind = i, cp.kind
					break scan
				}
			}
		}
	}
	if index < 0 {
		return nil
	}

	target := actions[index].Event
	if target == nil || target.Kind != domain.EventSetText {
		return nil
	}
	value := creds[kind]
	event := target.Clone()
	event.Text = value
	return &authAction{
		index:   index,
		kind:    kind,
		value:   value,
		event:   event,
		thought: "Using " + kind + " '" + value + "' from app notes for authentication",
	}
}
