// Package pkg holds what every layer of softxhci shares: the log wrapper
// and the error taxonomy.
//
// # Logging
//
// Each call names the layer it comes from. One level applies to every
// layer, and individual layers can be raised or lowered on their own:
//
//	pkg.SetLogLevel(slog.LevelWarn)
//	pkg.SetComponentLevel(pkg.ComponentBOT, slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentBOT, "csw", "tag", tag, "status", status)
//
// ParseComponentLevels accepts the same selection as a flag value
// ("bot,bulk" or "all").
//
// # Errors
//
// Errors are sentinels wrapped with %w, so callers test the class of a
// failure with errors.Is no matter how much context each layer added:
//
//	if errors.Is(err, pkg.ErrTransportCorrupt) {
//	    // bad CSW signature or tag
//	}
package pkg
