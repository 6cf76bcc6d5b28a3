// Package schemas registers the importable schema types with the core
// registry. Import it for side effects to make the types available:
//
//	import _ "github.com/JonMunkholm/bulkimport/internal/core/schemas"
package schemas

// Each schema file uses init() to register its definition.
