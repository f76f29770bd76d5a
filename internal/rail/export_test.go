package rail

// SetBaseURLForTest points the Onchain client at a test server after
// construction.
func (o *Onchain) SetBaseURLForTest(u string) {
	o.cfg.BaseURL = u
}
