package conf

/*
   Package conf wraps viper for the CRP app. Configuration comes from an env
   file when one is present (local development) and falls back to the process
   environment otherwise (deployed environments).

   Assumptions:
   1. The configuration file is an env file.
   2. Once loaded, configuration stays immutable for the lifetime of the
      process (tests are the exception, via SetEnv/UnsetEnv).
*/

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

// An instance of the viper struct containing the conf information. Only made
// accessible through the public functions below.
var envVars viper.Viper

const (
	configgood    uint8 = 0
	configbad     uint8 = 1
	noconfigfound uint8 = 2
)

var state uint8 = configgood

func setup(dir string) *viper.Viper {
	var v = viper.New()
	v.SetConfigName("local")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	// Viper is lazy, do the read and parse of the config file now
	if err := v.ReadInConfig(); err != nil {
		state = configbad
	}

	return v
}

func init() {
	// Possible config file locations: local development and deployed.
	var locations = []string{
		"shared_files/decrypted",
		"/etc/crp",
	}

	if success, loc := findEnv(locations); success {
		envVars = *setup(loc)
	} else {
		state = noconfigfound
	}
}

func findEnv(locations []string) (bool, string) {
	if _, err := os.Stat(locations[0] + "/local.env"); err == nil {
		return true, locations[0]
	}

	if len(locations) == 1 {
		return false, ""
	}

	return findEnv(locations[1:])
}

// GetEnv retrieves the value stored in conf. If it does not exist an empty
// string is returned.
func GetEnv(key string) string {
	if state == configgood {
		value := envVars.GetString(key)

		// Even if the config file loaded, the key may only exist in the
		// environment; copy it over to conf to prevent additional OS calls.
		if value == "" {
			if v, ok := os.LookupEnv(key); ok {
				test := &testing.T{}
				_ = SetEnv(test, key, v)
				value = v
			}
		}

		return value
	}

	return os.Getenv(key)
}

// LookupEnv augments os.LookupEnv to look in the viper struct first.
func LookupEnv(key string) (string, bool) {
	if state == configgood {
		if value := envVars.Get(key); value != nil && value != "" {
			return value.(string), true
		}
		if v, exist := os.LookupEnv(key); exist {
			test := &testing.T{}
			_ = SetEnv(test, key, v)
			return v, exist
		}

		return "", false
	}

	return os.LookupEnv(key)
}

// SetEnv adds key values into conf. This function should only be used in this
// package itself or in testing. The protect parameter is *testing.T to ensure
// developers knowingly use it in the appropriate scope.
func SetEnv(protect *testing.T, key string, value string) error {
	var err error

	if state == configgood {
		envVars.Set(key, value)
	} else {
		err = os.Setenv(key, value)
	}

	return err
}

// UnsetEnv "unsets" a variable. Like SetEnv, this should only be used in this
// package itself or in testing.
func UnsetEnv(protect *testing.T, key string) error {
	if state == configgood {
		envVars.Set(key, "")
	}

	// The environment copy has to go too, otherwise GetEnv brings it back.
	return os.Unsetenv(key)
}
