package model

import (
	"fmt"
	"time"
)

// ServerIdentity names one worker process in the pool.
type ServerIdentity struct {
	Name string `json:"server_name" yaml:"server_name"`
	PID  int    `json:"server_pid" yaml:"server_pid"`
}

// IsZero reports whether the identity is unset.
func (s ServerIdentity) IsZero() bool {
	return s.Name == "" && s.PID == 0
}

func (s ServerIdentity) String() string {
	return fmt.Sprintf("%s:%d", s.Name, s.PID)
}

// SubKeyServer records which process owns delivery for a sub_key.
type SubKeyServer struct {
	SubKey       string         `json:"sub_key" yaml:"sub_key"`
	Server       ServerIdentity `json:"server" yaml:"server"`
	EndpointID   int64          `json:"endpoint_id" yaml:"endpoint_id"`
	EndpointType EndpointType   `json:"endpoint_type" yaml:"endpoint_type"`
	SetAt        time.Time      `json:"set_at" yaml:"set_at"`
}

// IsOwnedBy reports whether server is the recorded owner.
func (s SubKeyServer) IsOwnedBy(server ServerIdentity) bool {
	return s.Server == server
}
