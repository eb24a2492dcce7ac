package jobs

import "strings"

// ErrorCode classifies a failed job's diagnostic output.
type ErrorCode string

const (
	ErrSCFDiverged        ErrorCode = "scf_diverged"
	ErrOutOfMemory        ErrorCode = "out_of_memory"
	ErrWalltimeExceeded   ErrorCode = "walltime_exceeded"
	ErrNodeFailure        ErrorCode = "node_failure"
	ErrLicenseUnavailable ErrorCode = "license_unavailable"
	ErrUnknown            ErrorCode = "unknown_error"
)

// FixStrategy is a parameter adjustment believed to get a resubmission past
// the failure. Params are merged over the original spec's params.
type FixStrategy struct {
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

// Diagnose maps raw diagnostic text to an error code and, where one exists,
// a fix. It is a pure function; unmatched text yields unknown_error with no
// fix, which stops the retry loop rather than resubmitting blind.
func Diagnose(text string) (ErrorCode, *FixStrategy) {
	msg := strings.ToLower(text)

	switch {
	case strings.Contains(msg, "scf") && (strings.Contains(msg, "diverg") ||
		strings.Contains(msg, "not converged") || strings.Contains(msg, "convergence failure")):
		return ErrSCFDiverged, &FixStrategy{
			Description: "dampen SCF mixing and raise the iteration cap",
			Params: map[string]any{
				"mixing_beta":   0.2,
				"max_scf_steps": 300,
			},
		}

	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom-kill") ||
		strings.Contains(msg, "oom killed") || strings.Contains(msg, "cannot allocate memory"):
		return ErrOutOfMemory, &FixStrategy{
			Description: "double the per-node memory request",
			Params: map[string]any{
				"memory_multiplier": 2.0,
			},
		}

	case strings.Contains(msg, "walltime") || strings.Contains(msg, "time limit") ||
		strings.Contains(msg, "due to time limit"):
		return ErrWalltimeExceeded, &FixStrategy{
			Description: "double the walltime request",
			Params: map[string]any{
				"walltime_multiplier": 2.0,
			},
		}

	case strings.Contains(msg, "node failure") || strings.Contains(msg, "node fail") ||
		strings.Contains(msg, "nodes are down") || strings.Contains(msg, "network unreachable"):
		return ErrNodeFailure, &FixStrategy{
			Description: "resubmit; the failure was infrastructure, not the job",
		}

	case strings.Contains(msg, "license"):
		return ErrLicenseUnavailable, &FixStrategy{
			Description: "resubmit and wait for a license seat",
		}

	default:
		return ErrUnknown, nil
	}
}
