package models

// Portal describes an enabled portal
type Portal struct {
	Name          string  `json:"name"`
	LoginURL      string  `json:"loginUrl"`
	OTPStrategy   string  `json:"otpStrategy"`
	OTPTimeout    float64 `json:"otpTimeoutSeconds"`
	CookieJar     bool    `json:"cookieJar"`
	CloseAfterRun bool    `json:"closeAfterRun"`
	BrowserAlive  bool    `json:"browserAlive"`
	Sessions      int     `json:"sessions"`
}
