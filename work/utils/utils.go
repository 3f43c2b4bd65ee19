package utils

import (
	"net/url"
)

// LogURL returns the URL as-is or obfuscated, depending on the flag.
// Provider URLs embed credentials, so anything that ends up in a log
// line goes through here.
func LogURL(obfuscate bool, u string) string {
	if obfuscate {
		return ObfuscateURL(u)
	}
	return u
}

// ObfuscateURL keeps scheme and host and masks path, query and
// fragment.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}

	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	if u.Fragment != "" {
		result += "#***"
	}
	return result
}
