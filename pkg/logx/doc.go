// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase logs through one small API
// (Logger + Field helpers) while sink wiring (console, file) and level
// changes stay in one place and can be re-applied at runtime from config.
//
// The zero Logger value is a safe no-op.
package logx
