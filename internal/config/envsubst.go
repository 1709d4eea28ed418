package config

import (
	"fmt"
	"os"
	"regexp"
)

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv walks a parsed JSON tree and replaces every ${NAME}
// placeholder inside string values with the named environment variable.
// Numbers, booleans, nulls, and container shapes are traversed untouched.
// A missing variable aborts the whole load.
func substituteEnv(value interface{}, path string) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return substituteEnvString(v, path)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, elem := range v {
			sub, err := substituteEnv(elem, fmt.Sprintf("%s[%q]", path, key))
			if err != nil {
				return nil, err
			}
			out[key] = sub
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			sub, err := substituteEnv(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return value, nil
	}
}

func substituteEnvString(s, path string) (string, error) {
	var missing *EnvVarError
	result := envPlaceholder.ReplaceAllStringFunc(s, func(match string) string {
		name := envPlaceholder.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			if missing == nil {
				missing = &EnvVarError{Name: name, Path: path}
			}
			return match
		}
		return value
	})
	if missing != nil {
		return "", missing
	}
	return result, nil
}
