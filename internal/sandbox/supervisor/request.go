package supervisor

import (
	"encoding/json"
	"io"

	"github.com/andr3eee1/na-sandbox/internal/sandbox/rootfs"
	appErr "github.com/andr3eee1/na-sandbox/pkg/errors"
)

// Descriptors the helper inherits through exec.Cmd.ExtraFiles.
const (
	requestFD = 3
	reportFD  = 4
)

// initRequest is everything the child needs to finish setup on its own.
type initRequest struct {
	CgroupPath     string        `json:"cgroupPath"`
	Root           rootfs.Handle `json:"root"`
	RootConfig     rootfs.Config `json:"rootConfig"`
	Args           []string      `json:"args"`
	SeccompProfile string        `json:"seccompProfile,omitempty"`
}

func decodeRequest(r io.Reader) (initRequest, error) {
	var req initRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return initRequest{}, appErr.Wrapf(err, appErr.InvalidFormat, "decode init request failed")
	}
	if req.Root.RootPath == "" {
		return initRequest{}, appErr.ValidationError("root", "root path is required")
	}
	if req.Root.ProgramRelPath == "" {
		return initRequest{}, appErr.ValidationError("program", "program path is required")
	}
	return req, nil
}
