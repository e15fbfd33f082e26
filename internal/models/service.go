package models

type Service struct {
	ServiceID          string `json:"service_id"`
	Name               string `json:"name"`
	Prefix             string `json:"prefix"`
	ColorTheme         string `json:"color_theme,omitempty"`
	DefaultWaitMinutes int    `json:"default_wait_minutes"`
}
