package profile

import v1 "github.com/labdev/labdev/pkg/api/v1"

// DefaultProfiles returns the built-in environment templates.
func DefaultProfiles() []*Profile {
	return []*Profile{
		{
			Name:        "simple",
			Description: "Browser-based code editor with a notebook service",
			Image:       "labdev/lab-simple",
			Tag:         "latest",
			Quota: v1.ResourceQuota{
				CPUCores: 1.0,
				MemoryMB: 2048,
			},
			Services: []ServiceSpec{
				{
					Name:         "editor",
					Command:      []string{"code-server", "--bind-addr", "0.0.0.0:8443", "--auth", "none"},
					Port:         8443,
					LivenessPath: "/healthz",
					Required:     true,
				},
				{
					Name:         "notebook",
					Command:      []string{"jupyter", "lab", "--ip", "0.0.0.0", "--port", "8888", "--no-browser"},
					Port:         8888,
					LivenessPath: "/api/status",
					Required:     true,
				},
			},
			Enabled: true,
		},
		{
			Name:        "multi-ide",
			Description: "Code editor, notebook, and a desktop IDE streamed over a remote display",
			Image:       "labdev/lab-multi-ide",
			Tag:         "latest",
			Quota: v1.ResourceQuota{
				CPUCores: 2.0,
				MemoryMB: 6144,
			},
			Services: []ServiceSpec{
				{
					Name:         "editor",
					Command:      []string{"code-server", "--bind-addr", "0.0.0.0:8443", "--auth", "none"},
					Port:         8443,
					LivenessPath: "/healthz",
					Required:     true,
				},
				{
					Name:         "notebook",
					Command:      []string{"jupyter", "lab", "--ip", "0.0.0.0", "--port", "8888", "--no-browser"},
					Port:         8888,
					LivenessPath: "/api/status",
					Required:     true,
				},
				{
					Name:         "desktop-ide",
					Command:      []string{"kasmvnc", "--listen", "0.0.0.0:6901"},
					Port:         6901,
					LivenessPath: "/",
					Required:     false,
				},
			},
			Enabled: true,
		},
	}
}
