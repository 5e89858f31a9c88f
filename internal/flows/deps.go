package flows

// Deps groups the per-flow dependency sets. The engine builds it once at
// construction and passes the matching member to each Run function.
type Deps struct {
	Login        LoginDeps
	Authenticate AuthenticateDeps
	Refresh      RefreshDeps
	Logout       LogoutDeps
}

func warnf(w func(string, ...any)) func(string, ...any) {
	if w == nil {
		return func(string, ...any) {}
	}
	return w
}
