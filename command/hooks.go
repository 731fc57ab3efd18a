package command

// Hooks is the host facility reporting local edits.
type Hooks interface {
	Install()
	Uninstall()
}

// NewHookState creates hook state.
func NewHookState(hooks Hooks) *HookState {
	return &HookState{hooks: hooks}
}

// HookState tracks whether local edits are observed and broadcast.
type HookState struct {
	hooks     Hooks
	installed bool
	publish   bool
}

// SetPublish enables or disables publishing. Hooks are touched only while publishing is enabled.
func (h *HookState) SetPublish(publish bool) {
	if !publish {
		h.Uninstall()
	}
	h.publish = publish
}

// Installed reports whether local edits are observed.
func (h *HookState) Installed() bool {
	return h.installed
}

// Install starts observing local edits.
func (h *HookState) Install() {
	if h.installed || !h.publish {
		return
	}
	h.hooks.Install()
	h.installed = true
}

// Uninstall stops observing local edits.
func (h *HookState) Uninstall() {
	if !h.installed {
		return
	}
	h.hooks.Uninstall()
	h.installed = false
}

// Suppress uninstalls hooks while remote mutation is applied.
// Returned function restores previous state and must be deferred.
func (h *HookState) Suppress() func() {
	wasInstalled := h.installed
	h.Uninstall()
	return func() {
		if wasInstalled {
			h.Install()
		}
	}
}
