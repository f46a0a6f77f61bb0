package query

// ClampLimit exposes page-size clamping to tests.
var ClampLimit = clampLimit
