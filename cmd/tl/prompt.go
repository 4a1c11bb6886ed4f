package main

import (
	"errors"
	"os"

	"github.com/charmbracelet/huh"

	"github.com/templeledger/templeledger/internal/ui"
)

var errNoTerminal = errors.New("not a terminal")

// confirm asks a yes/no question. Without a terminal it returns
// errNoTerminal so the caller can ask for --yes instead.
func confirm(title, description string) (bool, error) {
	if !ui.IsTerminal(os.Stdin) {
		return false, errNoTerminal
	}
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	return ok, err
}

// promptPassword reads a password without echo.
func promptPassword(title string) (string, error) {
	if !ui.IsTerminal(os.Stdin) {
		return "", errNoTerminal
	}
	var pw string
	err := huh.NewInput().
		Title(title).
		EchoMode(huh.EchoModePassword).
		Value(&pw).
		Run()
	return pw, err
}
