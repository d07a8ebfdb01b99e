// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so validation works regardless of the
// working directory or installation location.
package schemasassets

import _ "embed"

// SettingsDocumentSchema is the embedded settings-document JSON schema.
//
//go:embed settings-document.schema.json
var SettingsDocumentSchema []byte
