package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SecurityPolicy is the resource and capability envelope attached to
// every sandboxed execution. Network access has no toggle here: the
// sandbox never exposes network symbols, so the only way a tool can ask
// for the network is by declaring a capability, which the promotion gate
// rejects.
type SecurityPolicy struct {
	// MemoryBytes caps the child's address space (RLIMIT_AS).
	MemoryBytes int64 `json:"memory_bytes"`

	// CPUSeconds caps consumed CPU time (RLIMIT_CPU).
	CPUSeconds int `json:"cpu_seconds"`

	// ScratchFileBytes caps the size of any single file the tool
	// writes into its scratch directory (RLIMIT_FSIZE).
	ScratchFileBytes int64 `json:"scratch_file_bytes"`

	// MaxOpenFiles caps file descriptors (RLIMIT_NOFILE).
	MaxOpenFiles int `json:"max_open_files"`

	// AllowedImports extends the base interpreter import whitelist for
	// this tool. Packages outside the sandbox's permissible set are
	// ignored even if listed.
	AllowedImports []string `json:"allowed_imports,omitempty"`
}

// DefaultSecurityPolicy returns the global default policy applied when
// a spec does not override it.
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		MemoryBytes:      256 << 20,
		CPUSeconds:       10,
		ScratchFileBytes: 16 << 20,
		MaxOpenFiles:     64,
	}
}

// CPUTime returns the CPU ceiling as a duration.
func (p SecurityPolicy) CPUTime() time.Duration {
	return time.Duration(p.CPUSeconds) * time.Second
}

// Hash returns a short stable digest of the policy, recorded on
// validation results so a verdict can be tied to the limits it ran under.
func (p SecurityPolicy) Hash() string {
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:6])
}
