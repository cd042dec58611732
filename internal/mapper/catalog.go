package mapper

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/joescharf/civtrack/internal/models"
)

// DefaultProblemTypeID is used when a remote reference matches nothing.
const DefaultProblemTypeID = "autre"

// Catalog is an immutable snapshot of the reference tables used while mapping.
type Catalog struct {
	defaultType *models.ProblemType

	typesByID     map[string]*models.ProblemType
	typesByName   map[string]*models.ProblemType
	companyByID   map[string]*models.Company
	companyByName map[string]*models.Company
}

// NewCatalog indexes types and companies. defaultTypeID falls back to
// DefaultProblemTypeID, then to the first type, when empty or unknown.
func NewCatalog(types []*models.ProblemType, companies []*models.Company, defaultTypeID string) *Catalog {
	c := &Catalog{
		typesByID:     make(map[string]*models.ProblemType, len(types)),
		typesByName:   make(map[string]*models.ProblemType, len(types)),
		companyByID:   make(map[string]*models.Company, len(companies)),
		companyByName: make(map[string]*models.Company, len(companies)),
	}
	for _, pt := range types {
		c.typesByID[pt.ID] = pt
		c.typesByName[Fold(pt.Name)] = pt
	}
	for _, co := range companies {
		c.companyByID[co.ID] = co
		c.companyByName[Fold(co.Name)] = co
	}

	for _, id := range []string{defaultTypeID, DefaultProblemTypeID} {
		if pt, ok := c.typesByID[id]; ok {
			c.defaultType = pt
			break
		}
	}
	if c.defaultType == nil && len(types) > 0 {
		c.defaultType = types[0]
	}
	return c
}

// ProblemType returns the type with the given id, or nil.
func (c *Catalog) ProblemType(id string) *models.ProblemType {
	return c.typesByID[id]
}

// Company returns the company with the given id, or nil.
func (c *Catalog) Company(id string) *models.Company {
	return c.companyByID[id]
}

// ResolveProblemType matches by id, then by folded name, then falls back to
// the default type. It returns nil only for an empty catalog.
func (c *Catalog) ResolveProblemType(id, name string) *models.ProblemType {
	if pt, ok := c.typesByID[strings.TrimSpace(id)]; ok {
		return pt
	}
	if pt, ok := c.typesByID[Fold(id)]; ok {
		return pt
	}
	if pt, ok := c.typesByName[Fold(name)]; ok && name != "" {
		return pt
	}
	return c.defaultType
}

// ResolveCompany matches by id, then by folded name. Unknown companies yield nil.
func (c *Catalog) ResolveCompany(id, name string) *models.Company {
	if co, ok := c.companyByID[strings.TrimSpace(id)]; ok {
		return co
	}
	if name == "" {
		return nil
	}
	return c.companyByName[Fold(name)]
}

// Fold lowercases s and strips diacritics so "Traité" and "traite" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, strings.TrimSpace(s))
	if err != nil {
		stripped = strings.TrimSpace(s)
	}
	return cases.Fold().String(stripped)
}
