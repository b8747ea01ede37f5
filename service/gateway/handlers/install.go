// Package handlers holds the per-event handlers of the presence &
// routing engine, one fixed set per connection variant.
package handlers

import "github.com/spoonbobo/onlysaid/service/gateway"

// Install registers every handler on its variant's dispatcher.
func Install(s *gateway.Server) {
	s.InstallUser(NewPingHandler(s))
	s.InstallUser(NewMessageHandler(s))
	s.InstallUser(NewJoinWorkspaceHandler(s))
	s.InstallUser(NewLeaveWorkspaceHandler(s))

	s.InstallService(NewFileProgressHandler(s))
	s.InstallService(NewFileCompletedHandler(s))
	s.InstallService(NewFileErrorHandler(s))
}
