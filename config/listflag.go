package config

import "strings"

// hostListFlag is a comma-separated flag.Value, adapted from the teacher's
// listFlag: a simple []string that also implements UnmarshalYAML so the
// same type works from the command line, a config file, or JSON via the
// environment overlay.
type hostListFlag []string

func (hf *hostListFlag) String() string {
	if hf == nil {
		return ""
	}
	return strings.Join(*hf, ",")
}

func (hf *hostListFlag) Set(value string) error {
	if value == "" {
		*hf = nil
		return nil
	}
	*hf = strings.Split(value, ",")
	return nil
}

func (hf *hostListFlag) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var values []string
	if err := unmarshal(&values); err != nil {
		return err
	}
	*hf = values
	return nil
}

// Contains reports whether host is present in the allow-list. An empty
// list allows every host.
func (hf hostListFlag) Contains(host string) bool {
	if len(hf) == 0 {
		return true
	}
	for _, h := range hf {
		if h == host {
			return true
		}
	}
	return false
}
