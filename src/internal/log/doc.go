// Package log provides simple leveled logging for keen-doh.
//
// The package keeps a tiny global API (Debugf, Infof, Warnf, Errorf, Fatalf)
// on top of a zap core. Console output is colored and split between stdout
// (DEBUG..WARN) and stderr (ERROR). When a log file is configured all levels
// go to that file with timestamps and without colors.
//
// # Log Levels
//
//   - DEBUG: Detailed diagnostic information (only shown in verbose mode)
//   - INFO: General informational messages
//   - WARN: Rejected source bindings, skipped bootstrap servers, upstream timeouts
//   - ERROR: Error messages for failures
//
// # Example Usage
//
//	log.SetVerbose(true)
//	if err := log.SetOutputFile("/var/log/keen-doh.log"); err != nil {
//	    log.Fatalf("Cannot open log file: %v", err)
//	}
//	log.Warnf("Source %s rejected for %s: %s", src, remote, reason)
//
// All functions are safe for concurrent use.
package log
