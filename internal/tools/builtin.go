package tools

import "github.com/weftlabs/weft/internal/validation"

// RegisterBuiltins registers all built-in tools in the given registry.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig, fsCfg FSConfig, shellCfg ShellConfig) error {
	all := make([]Tool, 0, 32)

	// HTTP tools.
	all = append(all, HTTPTools(httpCfg)...)

	// Transform tools.
	all = append(all, TransformTools()...)

	// Crypto tools.
	all = append(all, CryptoTools()...)

	// Assert tools.
	all = append(all, AssertTools(validator)...)

	// Filesystem tools.
	all = append(all, FSTools(fsCfg)...)

	// Shell tools.
	all = append(all, ShellTools(shellCfg)...)

	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
