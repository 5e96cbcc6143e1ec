package architecture_test

import (
	"go/parser"
	"go/token"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const modulePath = "deid"

type layerRule struct {
	sourcePrefix string
	forbidden    []string
	hint         string
}

var outerLayers = []string{
	modulePath + "/internal/app",
	modulePath + "/cmd",
	modulePath + "/pkg/cli",
}

func forbid(paths ...string) []string {
	out := make([]string, 0, len(paths)+len(outerLayers))
	for _, p := range paths {
		out = append(out, modulePath+"/internal/"+p)
	}
	return append(out, outerLayers...)
}

var rules = []layerRule{
	{
		sourcePrefix: modulePath + "/internal/domain",
		forbidden:    forbid("db", "ddl", "sqltype", "dilution", "pseudonym", "vault", "plan", "migrate", "catalog", "config"),
		hint:         "domain may only import domain",
	},
	{
		sourcePrefix: modulePath + "/internal/db",
		forbidden:    forbid("dilution", "pseudonym", "vault", "plan", "migrate", "catalog", "config"),
		hint:         "db should depend on domain and db-local packages",
	},
	{
		sourcePrefix: modulePath + "/internal/dilution",
		forbidden:    forbid("db", "pseudonym", "vault", "plan", "migrate", "catalog"),
		hint:         "dilution operations depend on domain only",
	},
	{
		sourcePrefix: modulePath + "/internal/pseudonym",
		forbidden:    forbid("db", "vault", "plan", "migrate", "catalog"),
		hint:         "the mapping store receives its connection; it does not open one",
	},
	{
		sourcePrefix: modulePath + "/internal/vault",
		forbidden:    forbid("db", "pseudonym", "plan", "migrate", "catalog"),
		hint:         "the vault receives its connection; it does not open one",
	},
	{
		sourcePrefix: modulePath + "/internal/plan",
		forbidden:    forbid("db", "pseudonym", "vault", "migrate", "catalog"),
		hint:         "plans reach the metastore and servers through domain ports",
	},
	{
		sourcePrefix: modulePath + "/internal/migrate",
		forbidden:    forbid("db", "catalog"),
		hint:         "the engine works on connections wired by app",
	},
}

func TestImportBoundaries(t *testing.T) {
	files, err := collectGoFiles(filepath.Join(repoRootDir(), "internal"))
	require.NoError(t, err)

	violations := make([]string, 0)
	fset := token.NewFileSet()

	for _, file := range files {
		if strings.HasSuffix(file, "_test.go") {
			continue
		}

		sourcePkg := packageImportPath(file)
		rule, ok := findRule(sourcePkg)
		if !ok {
			continue
		}

		parsed, parseErr := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		require.NoErrorf(t, parseErr, "parse imports for %s", file)

		for _, imp := range parsed.Imports {
			importPath := strings.Trim(imp.Path.Value, "\"")
			if !strings.HasPrefix(importPath, modulePath+"/") {
				continue
			}
			if violatesRule(importPath, rule.forbidden) {
				violations = append(violations,
					"governance: "+sourcePkg+" imports "+importPath+" via "+relToRepoRoot(file)+"; allowed direction: "+rule.hint,
				)
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("%s", strings.Join(violations, "\n"))
	}
}

// Tests may open databases through internal/db, but never the wired app.
func TestTestImportBoundaries(t *testing.T) {
	files, err := collectGoFiles(filepath.Join(repoRootDir(), "internal"))
	require.NoError(t, err)

	violations := make([]string, 0)
	fset := token.NewFileSet()
	for _, file := range files {
		if !strings.HasSuffix(file, "_test.go") {
			continue
		}
		sourcePkg := packageImportPath(file)
		if hasPathPrefix(sourcePkg, modulePath+"/internal/app") {
			continue
		}

		parsed, parseErr := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		require.NoErrorf(t, parseErr, "parse imports for %s", file)
		for _, imp := range parsed.Imports {
			importPath := strings.Trim(imp.Path.Value, "\"")
			if violatesRule(importPath, outerLayers) {
				violations = append(violations, "governance: test "+sourcePkg+" imports "+importPath+" via "+relToRepoRoot(file))
			}
		}
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		t.Fatalf("%s", strings.Join(violations, "\n"))
	}
}

func TestRulesCoverEveryCorePackage(t *testing.T) {
	for _, pkg := range []string{"domain", "db", "dilution", "pseudonym", "vault", "plan", "migrate"} {
		_, ok := findRule(modulePath + "/internal/" + pkg)
		require.Truef(t, ok, "no import rule for internal/%s", pkg)
	}
}

func collectGoFiles(root string) ([]string, error) {
	files := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".go") {
			files = append(files, filepath.ToSlash(path))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func repoRootDir() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "."
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

func relToRepoRoot(path string) string {
	rel, err := filepath.Rel(repoRootDir(), path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func packageImportPath(file string) string {
	return modulePath + "/" + filepath.Dir(relToRepoRoot(file))
}

func findRule(sourcePkg string) (layerRule, bool) {
	for _, rule := range rules {
		if hasPathPrefix(sourcePkg, rule.sourcePrefix) {
			return rule, true
		}
	}
	return layerRule{}, false
}

func violatesRule(importPath string, forbidden []string) bool {
	for _, prefix := range forbidden {
		if hasPathPrefix(importPath, prefix) {
			return true
		}
	}
	return false
}

func hasPathPrefix(value string, prefix string) bool {
	return value == prefix || strings.HasPrefix(value, prefix+"/")
}
