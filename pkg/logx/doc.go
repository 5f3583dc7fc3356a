// Package logx is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Level and sinks swappable at runtime through Service.Apply
package logx
