// Package workerruntime implements C2: the child-side startup sequence
// that turns a freshly cloned process into an isolated executor for one
// code token, then execs the UDF binary.
package workerruntime

// MountSpec is one bind mount presented to the worker after pivot-root.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// InitRequest is the JSON record the host feeds the worker-init binary on
// stdin describing the startup sequence to run before exec'ing the UDF.
type InitRequest struct {
	// CodeToken is sent as the unframed Hello message once the
	// rendezvous connection is established.
	CodeToken string `json:"code_token"`
	// RendezvousPath is the unix socket path to dial for step 1.
	RendezvousPath string `json:"rendezvous_path"`
	// ScratchDir is the fresh pivot-root scratch directory for this
	// worker instance.
	ScratchDir string `json:"scratch_dir"`
	// Mounts is the bind-mount table to mirror under ScratchDir.
	Mounts []MountSpec `json:"mounts"`
	// BinaryPath is the UDF binary to exec once isolation is in place.
	BinaryPath string `json:"binary_path"`
	// SeccompProfilePath optionally names a libseccomp allow-list applied
	// just before exec.
	SeccompProfilePath string `json:"seccomp_profile_path,omitempty"`
}

// Result is written to stderr as a JSON line if the startup sequence fails
// before exec, so the host supervisor can log the exact failing step.
type Result struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}
