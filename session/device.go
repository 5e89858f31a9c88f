package session

import "strings"

// DeviceType is a coarse classification of the client that opened a session.
type DeviceType string

const (
	DeviceUnknown DeviceType = "unknown"
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
)

// ClassifyUserAgent maps a User-Agent header to a DeviceType.
func ClassifyUserAgent(ua string) DeviceType {
	ua = strings.ToLower(strings.TrimSpace(ua))
	switch {
	case ua == "":
		return DeviceUnknown
	case strings.Contains(ua, "ipad"), strings.Contains(ua, "tablet"),
		strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return DeviceTablet
	case strings.Contains(ua, "mobi"), strings.Contains(ua, "iphone"), strings.Contains(ua, "android"):
		return DeviceMobile
	default:
		return DeviceDesktop
	}
}
