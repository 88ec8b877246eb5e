package main

import "time"

const defaultAPITimeout = 10 * time.Second

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Output     string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Daemonize bool
	LogFile   string
}

// AddFlags holds flags for the add command.
type AddFlags struct {
	ID              uint64
	Command         string
	WorkDir         string
	Env             []string
	Schedule        string
	Inactive        bool
	Watch           []string
	RestartInterval time.Duration
}
