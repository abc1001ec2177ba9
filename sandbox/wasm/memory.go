package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// PackPtrLen packs a guest pointer and length into one i64.
func PackPtrLen(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// UnpackPtrLen splits a packed i64 into pointer and length.
func UnpackPtrLen(packed uint64) (ptr, length uint32) {
	//nolint:gosec // WASM pointers and lengths are 32-bit
	return uint32(packed >> 32), uint32(packed)
}

// readJSON decodes JSON from guest memory.
func readJSON(mod api.Module, packed uint64, v any) error {
	ptr, length := UnpackPtrLen(packed)
	if length == 0 {
		return nil
	}
	mem := mod.Memory()
	if mem == nil {
		return fmt.Errorf("module exports no memory")
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return fmt.Errorf("read %d bytes at %d: out of range", length, ptr)
	}
	return json.Unmarshal(data, v)
}

// writeJSON encodes v into memory obtained from the guest's allocate export
// and returns the packed pointer.
func writeJSON(ctx context.Context, mod api.Module, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	allocate := mod.ExportedFunction("allocate")
	if allocate == nil {
		return 0, fmt.Errorf("function 'allocate' not exported")
	}
	res, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("allocate failed: %w", err)
	}
	//nolint:gosec // WASM pointers are 32-bit
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes to guest memory", len(data))
	}
	//nolint:gosec // bounded by guest memory
	return PackPtrLen(ptr, uint32(len(data))), nil
}
