package launcher

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/iago/dataflow-batch/internal/domain"
)

const (
	MinChunkSize = 100
	MaxChunkSize = 10000
)

var ErrInvalidParameters = errors.New("invalid job parameters")

// ParametersError lists every problem found in a parameter set.
type ParametersError struct {
	Problems []string
}

func (e *ParametersError) Error() string {
	return "invalid job parameters: " + strings.Join(e.Problems, "; ")
}

func (e *ParametersError) Is(target error) bool {
	return target == ErrInvalidParameters
}

// ValidateParameters checks a run parameter set before launch. When checkPath
// is set the storage path must name a readable regular file.
func ValidateParameters(params map[string]string, checkPath bool) error {
	var problems []string

	requestID := strings.TrimSpace(params[domain.ParamRequestID])
	if requestID == "" {
		problems = append(problems, domain.ParamRequestID+" is required")
	} else if _, err := uuid.Parse(requestID); err != nil {
		problems = append(problems, domain.ParamRequestID+" must be a UUID")
	}

	if strings.TrimSpace(params[domain.ParamJobName]) == "" {
		problems = append(problems, domain.ParamJobName+" is required")
	}

	path := strings.TrimSpace(params[domain.ParamStoragePath])
	if path == "" {
		problems = append(problems, domain.ParamStoragePath+" is required")
	} else if checkPath {
		if problem := checkReadableFile(path); problem != "" {
			problems = append(problems, problem)
		}
	}

	if delimiter, ok := params[domain.ParamDelimiter]; ok && delimiter != "," && delimiter != ";" {
		problems = append(problems, fmt.Sprintf("%s must be ',' or ';', got %q", domain.ParamDelimiter, delimiter))
	}

	if raw, ok := params[domain.ParamChunkSize]; ok {
		size, err := strconv.Atoi(strings.TrimSpace(raw))
		switch {
		case err != nil:
			problems = append(problems, domain.ParamChunkSize+" must be an integer")
		case size < MinChunkSize || size > MaxChunkSize:
			problems = append(problems, fmt.Sprintf("%s must be between %d and %d", domain.ParamChunkSize, MinChunkSize, MaxChunkSize))
		}
	}

	if len(problems) > 0 {
		return &ParametersError{Problems: problems}
	}
	return nil
}

func checkReadableFile(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Sprintf("%s %q does not exist", domain.ParamStoragePath, path)
	}
	if info.IsDir() {
		return fmt.Sprintf("%s %q is a directory", domain.ParamStoragePath, path)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("%s %q is not readable", domain.ParamStoragePath, path)
	}
	file.Close()
	return ""
}
