// Package loader registers the kv drivers via blank imports.
//
// Usage in main.go:
//
//	import _ "github.io/infrasutra/burnbox/internal/kv/loader"
package loader

import (
	_ "github.io/infrasutra/burnbox/internal/kv/memory"
	_ "github.io/infrasutra/burnbox/internal/kv/sqlite"
	_ "github.io/infrasutra/burnbox/internal/kv/valkey"
)
