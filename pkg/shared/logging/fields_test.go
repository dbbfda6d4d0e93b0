package logging

import (
	"errors"
	"testing"
	"time"

	"github.com/parafs/mds/pkg/dao/types"
)

func TestNewFields(t *testing.T) {
	fields := NewFields()
	if fields == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(fields) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(fields))
	}
}

func TestStandardFields_Component(t *testing.T) {
	fields := NewFields().Component("dispatcher")

	if fields["component"] != "dispatcher" {
		t.Errorf("Component() = %v, want %v", fields["component"], "dispatcher")
	}
}

func TestStandardFields_Operation(t *testing.T) {
	fields := NewFields().Operation(types.OperationID(42))

	if fields["op_id"] != uint64(42) {
		t.Errorf("Operation() = %v, want %v", fields["op_id"], uint64(42))
	}
}

func TestStandardFields_Status(t *testing.T) {
	fields := NewFields().Status(types.StatusTPCCoordComp)

	if fields["status"] != "TPCCoordComp" {
		t.Errorf("Status() = %v, want %v", fields["status"], "TPCCoordComp")
	}
}

func TestStandardFields_Protocol(t *testing.T) {
	fields := NewFields().Protocol(types.ProtocolMTPC)

	if fields["protocol"] != "MTPC" {
		t.Errorf("Protocol() = %v, want %v", fields["protocol"], "MTPC")
	}
}

func TestStandardFields_Peer(t *testing.T) {
	fields := NewFields().Peer(types.ServerAddress("mds-2:49152"))

	if fields["peer"] != "mds-2:49152" {
		t.Errorf("Peer() = %v, want %v", fields["peer"], "mds-2:49152")
	}
}

func TestStandardFields_PeerEmpty(t *testing.T) {
	fields := NewFields().Peer("")

	if _, exists := fields["peer"]; exists {
		t.Error("Peer(\"\") should not set peer field")
	}
}

func TestStandardFields_Duration(t *testing.T) {
	fields := NewFields().Duration(150 * time.Millisecond)

	if fields["duration_ms"] != int64(150) {
		t.Errorf("Duration() = %v, want %v", fields["duration_ms"], int64(150))
	}
}

func TestStandardFields_Error(t *testing.T) {
	err := errors.New("test error")
	fields := NewFields().Error(err)

	if fields["error"] != "test error" {
		t.Errorf("Error() = %v, want %v", fields["error"], "test error")
	}
}

func TestStandardFields_ErrorNil(t *testing.T) {
	fields := NewFields().Error(nil)

	if _, exists := fields["error"]; exists {
		t.Error("Error(nil) should not set error field")
	}
}

func TestStandardFields_Chaining(t *testing.T) {
	fields := NewFields().
		Component("engine").
		Operation(types.OperationID(7)).
		Status(types.StatusOOEWaitResult).
		Subtree(types.InodeID(1001))

	if len(fields) != 4 {
		t.Errorf("chained fields = %d, want 4", len(fields))
	}
	if fields["subtree_entry"] != uint64(1001) {
		t.Errorf("Subtree() = %v, want %v", fields["subtree_entry"], uint64(1001))
	}
}

func TestStandardFields_Zap(t *testing.T) {
	fields := NewFields().Component("journal").Operation(types.OperationID(9))

	zapFields := fields.Zap()
	if len(zapFields) != 2 {
		t.Errorf("Zap() produced %d fields, want 2", len(zapFields))
	}
}
