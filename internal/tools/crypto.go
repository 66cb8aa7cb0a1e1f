package tools

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"
	"github.com/weftlabs/weft/pkg/schema"
)

// CryptoTools returns all crypto-related tools.
func CryptoTools() []Tool {
	return []Tool{
		&cryptoHashTool{},
		&cryptoHMACTool{},
		&cryptoUUIDTool{},
	}
}

// hashFunc returns a new hash.Hash for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- crypto.hash ---

type cryptoHashTool struct{}

func (a *cryptoHashTool) Name() string { return "crypto.hash" }

func (a *cryptoHashTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Compute a cryptographic hash of the input data",
	}
}

func (a *cryptoHashTool) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires 'data' string parameter")
	}
	return nil
}

func (a *cryptoHashTool) Invoke(_ context.Context, inv Invocation) (*Result, error) {
	if err := a.Validate(inv.Params); err != nil {
		return nil, err
	}

	data, _ := inv.Params["data"].(string)
	algorithm, _ := inv.Params["algorithm"].(string)
	if algorithm == "" {
		algorithm = "sha256"
	}

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	h := newHash()
	h.Write([]byte(data))
	sum := hex.EncodeToString(h.Sum(nil))

	out, err := json.Marshal(map[string]any{
		"hash":      sum,
		"algorithm": algorithm,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "crypto.hash: marshal output: %v", err)
	}
	return &Result{Data: out}, nil
}

// --- crypto.hmac ---

type cryptoHMACTool struct{}

func (a *cryptoHMACTool) Name() string { return "crypto.hmac" }

func (a *cryptoHMACTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Compute an HMAC of the input data using the given key or a loaded secret ref",
	}
}

func (a *cryptoHMACTool) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'data' string parameter")
	}
	_, hasKey := params["key"].(string)
	_, hasRef := params["key_secret"].(string)
	if !hasKey && !hasRef {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hmac requires 'key' or 'key_secret' string parameter")
	}
	return nil
}

func (a *cryptoHMACTool) Invoke(_ context.Context, inv Invocation) (*Result, error) {
	if err := a.Validate(inv.Params); err != nil {
		return nil, err
	}

	data, _ := inv.Params["data"].(string)
	algorithm, _ := inv.Params["algorithm"].(string)
	if algorithm == "" {
		algorithm = "sha256"
	}

	// A key_secret ref resolves against the secrets the executor loaded for
	// this capability. Raw keys stay supported for non-sensitive uses.
	key, _ := inv.Params["key"].(string)
	if ref, ok := inv.Params["key_secret"].(string); ok && ref != "" {
		resolved, ok := inv.Context.Secrets[ref]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodePermissionDenied, "crypto.hmac: key_secret references secret %q which is not loaded", ref)
		}
		key = resolved
	}

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	sum := hex.EncodeToString(mac.Sum(nil))

	out, err := json.Marshal(map[string]any{
		"hmac":      sum,
		"algorithm": algorithm,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "crypto.hmac: marshal output: %v", err)
	}
	return &Result{Data: out}, nil
}

// --- crypto.uuid ---

type cryptoUUIDTool struct{}

func (a *cryptoUUIDTool) Name() string { return "crypto.uuid" }

func (a *cryptoUUIDTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Generate a v4 UUID",
	}
}

func (a *cryptoUUIDTool) Validate(_ map[string]any) error { return nil }

func (a *cryptoUUIDTool) Invoke(_ context.Context, _ Invocation) (*Result, error) {
	id := uuid.New()
	out, err := json.Marshal(map[string]any{
		"uuid": id.String(),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "crypto.uuid: marshal output: %v", err)
	}
	return &Result{Data: out}, nil
}
