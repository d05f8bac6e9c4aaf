package banner

import (
	"github.com/charmbracelet/lipgloss"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(lipgloss.Color("#7D56F4")).
		Bold(true)

	ascii := `
    _       ____                          __
   (_)___  / __/__  _________ ___  ___  / /____  _____
  / / __ \/ /_/ _ \/ ___/ __ '__ \/ _ \/ __/ _ \/ ___/
 / / / / / __/  __/ /  / / / / / /  __/ /_/  __/ /
/_/_/ /_/_/  \___/_/  /_/ /_/ /_/\___/\__/\___/_/     `

	return "\n" + style.Render(ascii) + "\n"
}
