package executor

import (
	"fmt"
	"os"
	"sort"

	"github.com/joho/godotenv"
)

// LoadEnvFile reads a .env file into a map, fails if the file doesn't exist
func LoadEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("env file %s not found: %w", path, err)
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("can't parse env file %s: %w", path, err)
	}
	return vars, nil
}

// BuildEnv merges the subprocess environment in precedence order: parent
// process env, then envFile vars, then explicit vars on top.
func BuildEnv(vars map[string]string, envFile string) ([]string, error) {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	if envFile != "" {
		fileVars, err := LoadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for k, v := range fileVars {
			merged[k] = v
		}
	}

	for k, v := range vars {
		merged[k] = v
	}

	res := make([]string, 0, len(merged))
	for k, v := range merged {
		res = append(res, k+"="+v)
	}
	sort.Strings(res) // deterministic order, simplifies tests and diffing
	return res, nil
}
