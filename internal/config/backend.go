package config

// Backend persists non-secret settings as text under dotted key names such
// as "chat.default_model". Values are parsed with the key's declared type
// when the configuration is loaded.
type Backend interface {
	Lookup(key string) (value string, ok bool, err error)
	Store(key, value string) error
	Remove(key string) error
}
