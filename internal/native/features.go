// internal/native/features.go
package native

import (
	"strconv"
	"strings"
)

// ParseFeatures reads a window.open feature string such as
// "width=300,height=200,menubar=yes". Without features every bar is shown.
func ParseFeatures(raw string) PopupFeatures {
	f := PopupFeatures{}
	if strings.TrimSpace(raw) == "" {
		f.MenuBarVisible, f.StatusBarVisible, f.ToolBarVisible, f.ScrollbarsVisible = true, true, true, true
		return f
	}
	for _, item := range strings.Split(raw, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(item), "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.ToLower(strings.TrimSpace(value))
		n, numErr := strconv.Atoi(value)
		on := value == "" || value == "yes" || value == "true" || (numErr == nil && n != 0)

		switch key {
		case "left", "screenx":
			if numErr == nil {
				f.X, f.XSet = n, true
			}
		case "top", "screeny":
			if numErr == nil {
				f.Y, f.YSet = n, true
			}
		case "width", "innerwidth":
			if numErr == nil {
				f.Width, f.WidthSet = n, true
			}
		case "height", "innerheight":
			if numErr == nil {
				f.Height, f.HeightSet = n, true
			}
		case "menubar":
			f.MenuBarVisible = on
		case "status":
			f.StatusBarVisible = on
		case "toolbar":
			f.ToolBarVisible = on
		case "scrollbars":
			f.ScrollbarsVisible = on
		}
	}
	return f
}
