package lifecycle

import "time"

// Instance is one deployment of a process template onto one machine.
type Instance struct {
	ID            int64     `json:"id"`
	ProcessID     int64     `json:"process_id"`
	MachineID     int64     `json:"machine_id"`
	DeployPath    string    `json:"deploy_path"`
	MainConfig    string    `json:"main_config"`
	JvmOptions    string    `json:"jvm_options"`
	SystemOptions string    `json:"system_options"`
	RuntimeHandle *string   `json:"runtime_handle,omitempty"` // remote PID
	State         State     `json:"state"`
	CreatedBy     string    `json:"created_by"`
	UpdatedBy     string    `json:"updated_by"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Machine is the SSH-reachable host an instance lives on.
type Machine struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Password       string `json:"-"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

// Target is what a RemoteAction runs against.
type Target struct {
	Machine  *Machine
	Instance *Instance
}

// ConfigUpdate carries optional replacements for an instance's config blobs.
// A nil field leaves that blob unchanged.
type ConfigUpdate struct {
	MainConfig    *string `json:"main_config,omitempty"`
	JvmOptions    *string `json:"jvm_options,omitempty"`
	SystemOptions *string `json:"system_options,omitempty"`
}

// IsEmpty returns true if no part of the config is being replaced.
func (u ConfigUpdate) IsEmpty() bool {
	return u.MainConfig == nil && u.JvmOptions == nil && u.SystemOptions == nil
}

// Apply copies the set fields of u onto inst.
func (u ConfigUpdate) Apply(inst *Instance) {
	if u.MainConfig != nil {
		inst.MainConfig = *u.MainConfig
	}
	if u.JvmOptions != nil {
		inst.JvmOptions = *u.JvmOptions
	}
	if u.SystemOptions != nil {
		inst.SystemOptions = *u.SystemOptions
	}
}

// Request bundles what a handler needs to run one operation.
type Request struct {
	OperationID string
	Instance    *Instance
	Machine     *Machine
}

func (r *Request) target() *Target {
	return &Target{Machine: r.Machine, Instance: r.Instance}
}

// Result is the outcome delivered by an asynchronous operation.
type Result struct {
	Success bool
	Err     error
}
