package config

// HasChanged returns true if the configuration has changed compared to
// another config. Fields are compared explicitly without reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.BindAddress != b.BindAddress {
		return true
	}
	if a.TonGateway != b.TonGateway {
		return true
	}
	if a.VerboseLogging != b.VerboseLogging {
		return true
	}
	if a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if !stringSliceEqual(a.TonDomains, b.TonDomains) {
		return true
	}
	if !forwardsSliceEqual(a.Forwards, b.Forwards) {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	return false
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func forwardsSliceEqual(a, b []Forward) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !forwardEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func forwardEqual(a, b Forward) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	if !stringSliceEqual(a.Domains(), b.Domains()) {
		return false
	}
	switch ta := a.(type) {
	case *ForwardSocks5:
		tb, ok := b.(*ForwardSocks5)
		return ok && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password)
	case *ForwardProxy:
		tb, ok := b.(*ForwardProxy)
		return ok && ta.Address == tb.Address &&
			stringPtrEqual(ta.Username, tb.Username) &&
			stringPtrEqual(ta.Password, tb.Password)
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
