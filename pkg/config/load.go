package config

// Load builds settings from defaults, the optional CUE file at path, and the
// environment, in that order, then validates the result.
func Load(path string, lookup LookupFunc) (*Settings, error) {
	s := Defaults()
	if path != "" {
		if err := s.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
