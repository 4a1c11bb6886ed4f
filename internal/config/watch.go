package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch calls fn with the re-decoded configuration every time the config
// file changes on disk. A file that fails to decode is reported through
// err and the previous configuration stays in effect for the caller.
//
// v must have read a config file; without one there is nothing to watch.
func Watch(v *viper.Viper, fn func(cfg *Config, err error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(Decode(v))
	})
	v.WatchConfig()
}
