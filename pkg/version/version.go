package version

// Current defines the application version.
// It defaults to "dev" but is overwritten by the Makefile using -ldflags.
var Current = "dev"

const AppName = "InvenTag"

// Schema is the snapshot schema version stamped into every artifact header.
const Schema = 1
