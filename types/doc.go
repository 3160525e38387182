// Package types provides core types shared across the inferflow engine.
// This package has ZERO dependencies on other inferflow packages to avoid
// circular imports. All other packages should import types from here.
package types
