package policy

import (
	"fmt"
	"strings"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/assessment"
)

const promptIntroduction = `You are a smartphone assistant to help users complete tasks by interacting with mobile apps.Given a task, the previous UI actions, and the content of current UI state, your job is to decide whether the task is already finished by the previous actions, and if not, decide which UI element in current UI state should be interacted.`

const promptAppInstructions = `
IMPORTANT APP-SPECIFIC INSTRUCTIONS: %s

When you see UI elements mentioned in these instructions (like PIN entry, password fields, hidden buttons, or special navigation patterns), ALWAYS follow these instructions over general exploration. These instructions contain critical information about how to navigate this specific app.`

const promptAuthEmphasis = `

YOU ARE CURRENTLY ON AN AUTHENTICATION SCREEN. Review the app-specific instructions above for any PIN codes, passwords, or authentication methods and USE THEM NOW.%s

CRITICAL: On authentication screens, you MUST follow these steps in order:
1. FIRST identify and fill in ALL required input fields
2. ONLY AFTER filling inputs, click buttons like "Set", "OK", "Submit", "Continue"
3. If you see a PIN field, you MUST input a PIN before pressing any buttons
4. If no specific PIN is mentioned in the instructions, use "` + DefaultPIN + `" as a default PIN
5. NEVER try to press a button before filling in required input fields

THIS IS A STRICT SEQUENCE REQUIREMENT. Failing to follow this order will cause errors.`

const promptNavigationEmphasis = `

YOU ARE CURRENTLY ON A NAVIGATION SCREEN that might require special interaction. Check app-specific instructions for any special navigation patterns.`

const promptAnswerFormat = "\nYour answer should always use the following format: { \"Steps\": \"...<steps usually involved to complete the above task on a smartphone>\", \"Analyses\": \"...<Analyses of the relations between the task, and relations between the previous UI actions and current UI state>\", \"Finished\": \"Yes/No\", \"Next step\": \"None or a <high level description of the next step>\", \"id\": \"an integer or -1 (if the task has been completed by previous UI actions)\", \"action\": \"tap or input\", \"input_text\": \"N/A or ...<input text>\" } \n\n**Note that the id is the id number of the UI element to interact with. If you think the task has been completed by previous UI actions, the id should be -1. If 'Finished' is 'Yes', then the 'description' of 'Next step' is 'None', otherwise it is a high level description of the next step. If the 'action' is 'tap', the 'input_text' is N/A, otherwise it is the '<input text>'. Please do not output any content other than the JSON format. **"

// PromptInput 构造决策提示词所需的全部内容
type PromptInput struct {
	Task        string
	Screen      string   // 带编号的屏幕描述
	Actions     []string // 历史动作
	Thoughts    []string // 与 Actions 一一对应的理由
	UseThoughts bool
	Notes       []string // 应用备注，已过滤 N/A
}

// BuildPrompt 拼出完整提示词: 角色说明、应用备注、任务、历史动作、当前屏幕、输出格式
func BuildPrompt(in PromptInput) string {
	intro := promptIntroduction

	notes := strings.TrimSpace(strings.Join(in.Notes, " "))
	if notes != "" {
		instructions := fmt.Sprintf(promptAppInstructions, notes)
		if IsAuthenticationScreen(in.Screen) {
			var highlight strings.Builder
			creds := ExtractCredentials(notes)
			for _, cp := range credentialPatterns {
				if value, ok := creds[cp.kind]; ok {
					fmt.Fprintf(&highlight, "\n- %s: %s", strings.ToUpper(cp.kind), value)
				}
			}
			instructions += fmt.Sprintf(promptAuthEmphasis, highlight.String())
		}
		if HasNavigationHints(in.Notes, in.Screen) {
			instructions += promptNavigationEmphasis
		}
		intro += instructions
	}

	task := in.Task
	if task == "" {
		task = assessment.DefaultTask
	}

	history := in.Actions
	if in.UseThoughts {
		history = make([]string, len(in.Actions))
		for i, action := range in.Actions {
			thought := ""
			if i < len(in.Thoughts) {
				thought = in.Thoughts[i]
			}
			history[i] = action + " Reason: " + thought
		}
	}

	return strings.Join([]string{
		intro,
		"Task: " + task,
		"Previous UI actions: \n" + strings.Join(history, "\n"),
		"Current UI state: \n" + in.Screen,
		promptAnswerFormat,
	}, "\n")
}
