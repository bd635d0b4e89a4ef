/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"bufio"
	"errors"
	"os"
)

var (
	errNoEnvArg     = errors.New("no env arg")
	ErrEmptyEnvFile = errors.New("Environment file is empty")
)

func loadEnvFile(nm string) (r string, err error) {
	var fin *os.File
	if fin, err = os.Open(nm); err != nil {
		// they specified a file but we can't open it
		return
	}
	s := bufio.NewScanner(fin)
	s.Scan()
	if err = s.Err(); err != nil {
		fin.Close()
		return
	}
	r = s.Text()
	if err = fin.Close(); err != nil {
		return
	} else if r == `` {
		// there was nothing in the file?
		err = ErrEmptyEnvFile
	}
	return
}

func loadEnv(nm string) (s string, err error) {
	var ok bool
	if s, ok = os.LookupEnv(nm); ok {
		return
	}
	//try to load the FILE version
	if fp, ok := os.LookupEnv(nm + `_FILE`); ok {
		s, err = loadEnvFile(fp)
	} else {
		err = errNoEnvArg
	}
	return
}

// LoadEnvVar fills tgt from the environment when the config file left it
// empty, falling back to the default
func LoadEnvVar(tgt *string, envName, defVal string) error {
	if tgt == nil {
		return errors.New("Invalid argument")
	}
	if *tgt != `` {
		return nil
	}
	v, err := loadEnv(envName)
	if err != nil {
		if err == errNoEnvArg {
			*tgt = defVal
			return nil
		}
		return err
	}
	*tgt = v
	return nil
}
