package vmops

import (
	"context"
	"fmt"
	"log/slog"

	"qemuhostd/internal/vmm/machine"
	"qemuhostd/internal/vmmodel"
)

// Fleet is the narrow slice of *agent.Agent this package needs, kept as
// an interface here (rather than importing internal/agent directly) so
// an RPC layer can depend on vmops without agent depending back on it.
type Fleet interface {
	CreateVirtualMachine(ctx context.Context, name string, desc vmmodel.Description) *machine.Machine
	RemoveVirtualMachine(ctx context.Context, name string) error
	Machine(name string) (*machine.Machine, bool)
}

func Create(ctx context.Context, logger *slog.Logger, fleet Fleet, req *CreateVMRequest) (*VMOperationResponse, error) {
	if req == nil || req.VMName == "" {
		return &VMOperationResponse{OK: false, Message: "empty request"}, nil
	}
	if _, exists := fleet.Machine(req.VMName); exists {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: "instance already exists"}, nil
	}

	memSize, err := vmmodel.ParseMemorySize(req.MemorySize)
	if err != nil {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: fmt.Sprintf("invalid memory_size: %v", err)}, nil
	}
	diskSize, err := vmmodel.ParseMemorySize(req.DiskSize)
	if err != nil {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: fmt.Sprintf("invalid disk_size: %v", err)}, nil
	}

	var ifaces []vmmodel.InterfaceDescription
	for i, id := range req.ExtraInterfaces {
		ifaces = append(ifaces, vmmodel.InterfaceDescription{ID: fmt.Sprintf("eth%d-%s", i, id), AutoMode: true})
	}

	desc := vmmodel.Description{
		NumCores:        req.VCPUCount,
		MemSize:         memSize,
		DiskSpace:       diskSize,
		VMName:          req.VMName,
		SSHUsername:     req.SSHUsername,
		CloudInitISO:    req.CloudInitISO,
		ExtraInterfaces: ifaces,
		Image: vmmodel.ImageDescription{
			Path:   req.ImagePath,
			Kernel: req.ImageKernel,
			InitRD: req.ImageInitRD,
		},
	}

	m := fleet.CreateVirtualMachine(ctx, req.VMName, desc)

	if req.StartNow {
		if err := m.Start(ctx); err != nil {
			logger.Error("create vm: start failed", "vm_name", req.VMName, "error", err)
			return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, State: m.CurrentState().String(), Message: err.Error()}, nil
		}
	}

	return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: true, State: m.CurrentState().String()}, nil
}

func Start(ctx context.Context, logger *slog.Logger, fleet Fleet, req *StateChangeRequest) (*VMOperationResponse, error) {
	m, ok := fleet.Machine(req.VMName)
	if !ok {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: "instance does not exist"}, nil
	}
	if err := m.Start(ctx); err != nil {
		logger.Error("start vm failed", "vm_name", req.VMName, "error", err)
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, State: m.CurrentState().String(), Message: err.Error()}, nil
	}
	return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: true, State: m.CurrentState().String()}, nil
}

func Shutdown(ctx context.Context, logger *slog.Logger, fleet Fleet, req *StateChangeRequest) (*VMOperationResponse, error) {
	m, ok := fleet.Machine(req.VMName)
	if !ok {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: "instance does not exist"}, nil
	}
	if err := m.Shutdown(ctx); err != nil {
		logger.Error("shutdown vm failed", "vm_name", req.VMName, "error", err)
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, State: m.CurrentState().String(), Message: err.Error()}, nil
	}
	return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: true, State: m.CurrentState().String()}, nil
}

func Suspend(ctx context.Context, logger *slog.Logger, fleet Fleet, req *StateChangeRequest) (*VMOperationResponse, error) {
	m, ok := fleet.Machine(req.VMName)
	if !ok {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: "instance does not exist"}, nil
	}
	if err := m.Suspend(ctx); err != nil {
		logger.Error("suspend vm failed", "vm_name", req.VMName, "error", err)
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, State: m.CurrentState().String(), Message: err.Error()}, nil
	}
	return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: true, State: m.CurrentState().String()}, nil
}

func Delete(ctx context.Context, logger *slog.Logger, fleet Fleet, req *DeleteVMRequest) (*VMOperationResponse, error) {
	m, ok := fleet.Machine(req.VMName)
	if !ok {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: "instance does not exist"}, nil
	}
	if !req.Force && m.CurrentState() != vmmodel.StateOff {
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, State: m.CurrentState().String(), Message: "instance is not stopped, retry with force"}, nil
	}
	if err := fleet.RemoveVirtualMachine(ctx, req.VMName); err != nil {
		logger.Error("delete vm failed", "vm_name", req.VMName, "error", err)
		return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: false, Message: err.Error()}, nil
	}
	return &VMOperationResponse{NodeID: req.NodeID, VMName: req.VMName, OK: true, State: vmmodel.StateOff.String()}, nil
}
