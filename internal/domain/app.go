package domain

// App 被测应用描述
type App struct {
	Name         string `json:"name" mapstructure:"name"`
	Package      string `json:"package" mapstructure:"package"`
	MainActivity string `json:"main_activity" mapstructure:"main_activity"`
}

// StartIntent 启动意图（带主 Activity 时使用 am start -n）
func (a *App) StartIntent() Intent {
	return Intent{Action: IntentStart, Package: a.Package, Activity: a.MainActivity}
}

// StopIntent 强制停止意图
func (a *App) StopIntent() Intent {
	return Intent{Action: IntentStop, Package: a.Package}
}

// DisplayName 名称为空时退回包名
func (a *App) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Package
}
