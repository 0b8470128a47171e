package escrow

// Initialize stores the module configuration and approves the default asset.
// It succeeds exactly once and only when the caller is the declared admin.
func (e *Engine) Initialize(inv Invocation, admin, defaultAsset [20]byte) error {
	if err := requireAuth(inv, admin); err != nil {
		return err
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Initialized {
		return ErrAlreadyInitialized
	}
	if defaultAsset == ([20]byte{}) {
		return ErrInvalidAddress
	}
	cfg = &Config{Admin: admin, DefaultAsset: defaultAsset, Initialized: true}
	if err := e.state.PutEscrowConfig(cfg); err != nil {
		return err
	}
	if err := e.state.SetAssetApproved(defaultAsset, true); err != nil {
		return err
	}
	e.emit(NewInitializedEvent(cfg, inv.Timestamp))
	return nil
}

func (e *Engine) requireAdmin(inv Invocation) (*Config, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Initialized {
		return nil, ErrNotInitialized
	}
	if err := requireAuth(inv, cfg.Admin); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AddApprovedAsset adds asset to the allowlist. Approving an already approved
// asset is a no-op apart from the event.
func (e *Engine) AddApprovedAsset(inv Invocation, asset [20]byte) error {
	if _, err := e.requireAdmin(inv); err != nil {
		return err
	}
	if asset == ([20]byte{}) {
		return ErrInvalidAddress
	}
	if err := e.state.SetAssetApproved(asset, true); err != nil {
		return err
	}
	e.emit(NewAssetApprovedEvent(asset, inv.Timestamp))
	return nil
}

// RemoveApprovedAsset drops asset from the allowlist. Existing splits that use
// the asset are unaffected; only new creations are rejected.
func (e *Engine) RemoveApprovedAsset(inv Invocation, asset [20]byte) error {
	if _, err := e.requireAdmin(inv); err != nil {
		return err
	}
	if err := e.state.SetAssetApproved(asset, false); err != nil {
		return err
	}
	e.emit(NewAssetRevokedEvent(asset, inv.Timestamp))
	return nil
}

// IsAssetApproved reports whether asset is on the allowlist.
func (e *Engine) IsAssetApproved(asset [20]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	return e.state.AssetApproved(asset)
}

// TogglePause flips the module pause flag and returns the new value.
func (e *Engine) TogglePause(inv Invocation) (bool, error) {
	cfg, err := e.requireAdmin(inv)
	if err != nil {
		return false, err
	}
	cfg.Paused = !cfg.Paused
	if err := e.state.PutEscrowConfig(cfg); err != nil {
		return false, err
	}
	e.emit(NewPauseToggledEvent(cfg.Paused, inv.Timestamp))
	return cfg.Paused, nil
}

// Admin returns the configured admin address.
func (e *Engine) Admin() ([20]byte, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return [20]byte{}, err
	}
	if !cfg.Initialized {
		return [20]byte{}, ErrNotInitialized
	}
	return cfg.Admin, nil
}

// DefaultAsset returns the asset approved at initialisation.
func (e *Engine) DefaultAsset() ([20]byte, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return [20]byte{}, err
	}
	if !cfg.Initialized {
		return [20]byte{}, ErrNotInitialized
	}
	return cfg.DefaultAsset, nil
}

// Paused reports whether mutating operations are currently blocked.
func (e *Engine) Paused() (bool, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return false, err
	}
	return cfg.Paused, nil
}

// Stats returns the lifetime counters of the module.
func (e *Engine) Stats() (*Stats, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	stats, err := e.state.EscrowStats()
	if err != nil {
		return nil, err
	}
	return stats.Clone(), nil
}
