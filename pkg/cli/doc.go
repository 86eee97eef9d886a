// Package cli implements plugctl, the plugd administration CLI.
//
// # Local commands
//
// validate and scan run the server's manifest validator and static scanner
// against a plugin checkout, so authors see the same verdict before
// publishing a release:
//
//	plugctl validate --dir ./my-plugin
//	plugctl scan --dir ./my-plugin -o json
//
// # Server commands
//
//	plugctl install https://github.com/acme/project-timeline --version 1.2.0 --wait
//	plugctl list --status disabled
//	plugctl update project-timeline --version 1.3.0
//	plugctl violations project-timeline --limit 20
//	plugctl enable project-timeline --reset-score
//
// The server URL comes from --server or PLUGD_SERVER.
package cli
