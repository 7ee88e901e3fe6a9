// Package ui provides colored terminal output for the sync CLI.
package ui

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
)

const headerWidth = 60

var (
	headerColor  = color.New(color.FgCyan, color.Bold)
	successColor = color.New(color.FgGreen)
	infoColor    = color.New(color.FgWhite)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
	stepColor    = color.New(color.FgMagenta)
	blueColor    = color.New(color.FgBlue)
	yellowColor  = color.New(color.FgYellow)
)

// center pads text on the left so it sits in the middle of width.
// Text wider than width is returned unchanged.
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	pad := (width - len(text)) / 2
	return strings.Repeat(" ", pad) + text
}

// Header prints a banner with the given title.
func Header(text string) {
	line := strings.Repeat("=", headerWidth)
	headerColor.Println(line)
	headerColor.Println(center(text, headerWidth))
	headerColor.Println(line)
}

// Step prints a numbered progress step.
func Step(current, total int, text string) {
	stepColor.Printf("[%d/%d] %s\n", current, total, text)
}

// Success prints a green success line.
func Success(format string, args ...any) {
	successColor.Printf("✓ "+format+"\n", args...)
}

// Info prints a plain informational line.
func Info(format string, args ...any) {
	infoColor.Printf(format+"\n", args...)
}

// Warning prints a yellow warning line.
func Warning(format string, args ...any) {
	warningColor.Printf("⚠ "+format+"\n", args...)
}

// Error prints a red error line.
func Error(format string, args ...any) {
	errorColor.Printf("✗ "+format+"\n", args...)
}

// BlueText returns text colored blue for inline use.
func BlueText(format string, args ...any) string {
	return blueColor.Sprint(fmt.Sprintf(format, args...))
}

// YellowText returns text colored yellow for inline use.
func YellowText(format string, args ...any) string {
	return yellowColor.Sprint(fmt.Sprintf(format, args...))
}
