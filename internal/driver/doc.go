// Package driver validates and reloads the services sitectl manages:
// nginx and the per-version PHP-FPM masters.
//
// Drivers never write config files themselves. They describe which files a
// vhost consists of (VhostFiles, RemovalFiles) and the store applies them,
// so every change is versioned. After a write the orchestrator calls
// Validate, which runs the service's own dry-run check, and then Reload.
//
// # Reload Classification
//
// Reload is graceful (systemctl reload, never restart). When it fails the
// driver asks systemd whether the unit is still active:
//
//   - active: the master rejected the new config and keeps serving the old
//     one; the RELOAD error is safe
//   - anything else: the error is marked Undefined and callers treat it as
//     a fatal service problem
//
// Reloads are serialized per driver, so two domains never race on the same
// reload command.
//
// # Testing
//
// Each driver accepts an executor.CommandExecutor:
//
//	mockExec := &executor.MockExecutor{}
//	drv := driver.NewNginxWithExecutor(availablePath, enabledPath, mockExec)
//
// MockDriver and MockPoolDriver stand in for the drivers in orchestrator
// tests.
package driver
