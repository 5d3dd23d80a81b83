package netclient

import (
	"math/rand/v2"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// Browser 是会话的浏览器指纹描述：User-Agent 与 TLS ClientHello 必须来自同一类浏览器。
type Browser struct {
	Mobile         bool   `json:"mobile"`
	Name           string `json:"name"`
	UserAgent      string `json:"user_agent"`
	AcceptLanguage string `json:"accept_language"`
	ClientHello    string `json:"client_hello"` // "chrome" | "firefox" | "safari" | "ios" | "edge" | "android"
}

var desktopProfiles = []Browser{
	{
		Name:           "chrome",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		ClientHello:    "chrome",
	},
	{
		Name:           "firefox",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		AcceptLanguage: "en-US,en;q=0.5",
		ClientHello:    "firefox",
	},
	{
		Name:           "edge",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
		AcceptLanguage: "en-US,en;q=0.9",
		ClientHello:    "edge",
	},
	{
		Name:           "safari",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
		AcceptLanguage: "en-US,en;q=0.9",
		ClientHello:    "safari",
	},
}

var mobileProfiles = []Browser{
	{
		Mobile:         true,
		Name:           "safari",
		UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Mobile/15E148 Safari/604.1",
		AcceptLanguage: "en-US,en;q=0.9",
		ClientHello:    "ios",
	},
	{
		Mobile:         true,
		Name:           "chrome",
		UserAgent:      "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Mobile Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		ClientHello:    "android",
	},
}

// NewBrowser 随机生成一个桌面或移动端指纹。
func NewBrowser(mobile bool) Browser {
	profiles := desktopProfiles
	if mobile {
		profiles = mobileProfiles
	}
	return profiles[rand.IntN(len(profiles))]
}

// HelloID maps the descriptor to the uTLS ClientHello preset.
func (b Browser) HelloID() utls.ClientHelloID {
	switch strings.ToLower(b.ClientHello) {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "android":
		return utls.HelloAndroid_11_OkHttp
	default:
		return utls.HelloChrome_Auto
	}
}

// IsZero reports whether the descriptor was never initialised.
func (b Browser) IsZero() bool {
	return b.UserAgent == "" && b.ClientHello == ""
}
