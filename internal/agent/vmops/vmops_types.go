// Package vmops is the request/response layer between an external
// control-plane RPC surface and the daemon's Agent, the qemuhostd analog
// of the teacher's agent/vm request/response pair.
package vmops

type CreateVMRequest struct {
	NodeID          string   `json:"node_id"`
	VMName          string   `json:"vm_name"`
	VCPUCount       int      `json:"vcpu_count"`
	MemorySize      string   `json:"memory_size"`
	DiskSize        string   `json:"disk_size"`
	ImagePath       string   `json:"image_path"`
	ImageKernel     string   `json:"image_kernel,omitempty"`
	ImageInitRD     string   `json:"image_initrd,omitempty"`
	SSHUsername     string   `json:"ssh_username"`
	CloudInitISO    string   `json:"cloud_init_iso,omitempty"`
	ExtraInterfaces []string `json:"extra_interfaces,omitempty"`
	StartNow        bool     `json:"start_now"`
}

type DeleteVMRequest struct {
	NodeID string `json:"node_id"`
	VMName string `json:"vm_name"`
	Force  bool   `json:"force"`
}

type StateChangeRequest struct {
	NodeID string `json:"node_id"`
	VMName string `json:"vm_name"`
}

type VMOperationResponse struct {
	NodeID  string `json:"node_id"`
	VMName  string `json:"vm_name"`
	OK      bool   `json:"ok"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}
