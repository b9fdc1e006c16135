package config

import (
	"os"
	"path/filepath"
)

type Detection struct {
	Language string
	Packages []string
	Ports    []int
	Install  string
	Dev      string
}

// Detect inspects the project directory and returns language, suggested packages,
// ports, and the dependency-install and dev-server commands.
func Detect(projectDir string) Detection {
	checks := []struct {
		file     string
		language string
		packages []string
		ports    []int
		install  string
		dev      string
	}{
		{"package.json", "node", []string{"nodejs", "npm", "git", "curl"}, []int{3000, 5173}, "npm install", "npm run dev -- --host 0.0.0.0"},
		{"go.mod", "go", []string{"golang-go", "git", "curl", "make"}, []int{8080}, "go mod download", "go run ."},
		{"requirements.txt", "python", []string{"python3", "python3-pip", "git", "curl"}, []int{8000}, "pip install -r requirements.txt", "python3 -m http.server 8000"},
		{"pyproject.toml", "python", []string{"python3", "python3-pip", "git", "curl"}, []int{8000}, "pip install -e .", "python3 -m http.server 8000"},
		{"Cargo.toml", "rust", []string{"rustc", "cargo", "git", "curl"}, []int{8080}, "cargo fetch", "cargo run"},
	}

	for _, c := range checks {
		if _, err := os.Stat(filepath.Join(projectDir, c.file)); err == nil {
			return Detection{
				Language: c.language,
				Packages: c.packages,
				Ports:    c.ports,
				Install:  c.install,
				Dev:      c.dev,
			}
		}
	}

	// Static sites get a plain file server.
	if _, err := os.Stat(filepath.Join(projectDir, "index.html")); err == nil {
		return Detection{
			Language: "static",
			Packages: []string{"python3", "git", "curl"},
			Ports:    []int{8000},
			Dev:      "python3 -m http.server 8000",
		}
	}

	return Detection{
		Language: "unknown",
		Packages: []string{"git", "curl", "make"},
		Ports:    nil,
	}
}
