/*
Package log wraps zerolog with the conventions the rest of this agent
uses: a global Logger initialized once from main via Init, and
component-scoped child loggers (WithComponent, WithInstrument,
WithDestination, WithPID) for attributing a line to the subsystem and
job that produced it. JSON output is the default; console output is
available for local runs via Config.JSONOutput.
*/
package log
