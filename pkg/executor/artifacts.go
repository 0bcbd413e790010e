package executor

import (
	"os"
	"path/filepath"

	"github.com/codemug/certgate/pkg/jobs"
)

// ExpectedFiles is every file the generator may write, in listing order.
var ExpectedFiles = []string{
	"ca-cert.pem",
	"ca-key.pem",
	"server-cert.pem",
	"server-key.pem",
	"fullchain.pem",
	"openssl.cnf",
}

// RequiredFiles must all be present for a job to count as successful.
var RequiredFiles = []string{
	"server-cert.pem",
	"server-key.pem",
	"ca-cert.pem",
}

type flag struct {
	name  string
	value func(jobs.Request) string
}

var flags = []flag{
	{"--domain", func(r jobs.Request) string { return r.Domain }},
	{"--cert-name", func(r jobs.Request) string { return r.CertName }},
	{"--wildcard-domain", func(r jobs.Request) string { return r.WildcardDomain }},
	{"--ips", func(r jobs.Request) string { return r.IPs }},
	{"--ca-name", func(r jobs.Request) string { return r.CAName }},
	{"--ca-org", func(r jobs.Request) string { return r.CAOrg }},
	{"--ca-unit", func(r jobs.Request) string { return r.CAUnit }},
	{"--ssl-size", func(r jobs.Request) string { return r.KeySize }},
	{"--ssl-date", func(r jobs.Request) string { return r.ValidityDays }},
	{"--country", func(r jobs.Request) string { return r.Country }},
}

// Args translates a request into the generator's --flag=value arguments.
// Empty optional values are left out so the script applies its defaults.
func Args(request jobs.Request, outputDir string) []string {
	args := []string{"--output-dir=" + outputDir}
	for _, f := range flags {
		if v := f.value(request); v != "" {
			args = append(args, f.name+"="+v)
		}
	}
	return args
}

// Validate lists the expected files present in dir. Output missing every
// file, or any of RequiredFiles, is a *jobs.ValidationError.
func Validate(dir string) ([]jobs.Artifact, error) {
	var files []jobs.Artifact
	present := make(map[string]bool)
	for _, name := range ExpectedFiles {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		present[name] = true
		files = append(files, jobs.Artifact{Name: name, Size: info.Size(), Created: info.ModTime()})
	}
	if len(files) == 0 {
		return nil, &jobs.ValidationError{}
	}
	var missing []string
	for _, name := range RequiredFiles {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &jobs.ValidationError{Missing: missing}
	}
	return files, nil
}
