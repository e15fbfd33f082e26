package models

import (
	"fmt"
	"time"
)

type Settings struct {
	WhatsappEnabled  bool           `json:"whatsappEnabled"`
	WhatsappTemplate string         `json:"whatsappTemplate"`
	WhatsappAPIKey   string         `json:"whatsappApiKey,omitempty"`
	WhatsappEndpoint string         `json:"whatsappEndpoint,omitempty"`
	AllowMobileEntry bool           `json:"allowMobileEntry"`
	MobileEntryURL   string         `json:"mobileEntryUrl,omitempty"`
	OperatingHours   OperatingHours `json:"operatingHours"`
	CountryCode      string         `json:"countryCode"`
}

type OperatingHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

const DefaultWhatsappTemplate = "Hello {name}, ticket {number} for {service} is now being called to counter {counter}."

func DefaultSettings() Settings {
	return Settings{
		WhatsappTemplate: DefaultWhatsappTemplate,
		OperatingHours:   OperatingHours{Start: "09:00", End: "17:00"},
		CountryCode:      "62",
	}
}

// Open reports whether now falls inside the window. A disabled window is
// always open. Start is inclusive and End exclusive; a window whose End is
// before its Start wraps past midnight.
func (h OperatingHours) Open(now time.Time) (bool, error) {
	if !h.Enabled {
		return true, nil
	}
	start, err := parseClock(h.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(h.End)
	if err != nil {
		return false, err
	}
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute < end, nil
	}
	return minute >= start || minute < end, nil
}

func (h OperatingHours) Validate() error {
	if _, err := parseClock(h.Start); err != nil {
		return err
	}
	_, err := parseClock(h.End)
	return err
}

func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("invalid HH:MM value %q", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}
