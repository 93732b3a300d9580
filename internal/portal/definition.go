// Package portal describes the supported eligibility portals and drives
// their pages through a browser.Handle.
package portal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shehryarbajwa/eligibility-agent/internal/orchestrator"
)

// Supported portals.
const (
	DDMA       = "ddma"
	DentaQuest = "dentaquest"
	DeltaIns   = "deltains"
	UnitedSCO  = "unitedsco"
)

// Selectors are Playwright selectors for one portal's pages. Empty entries
// are skipped.
type Selectors struct {
	CookieBanner string

	Username   string
	Next       string
	Password   string
	RememberMe string
	Submit     string
	LoginError string

	// PreOTP are clicked in order, when visible, before the code field is
	// expected (factor choice, "send me an email").
	PreOTP      []string
	OTPInput    string
	OTPSubmit   string
	OTPRejected string

	// SearchReady is only visible to a logged-in user.
	SearchReady string
	SearchTab   string
	MemberID    string
	DateOfBirth string
	FirstName   string
	LastName    string
	Search      string
	NoResults   string
	ResultRow   string
	PatientName string
	Eligibility string
}

// Definition is the static description of a portal.
type Definition struct {
	Name     string
	LoginURL string
	// SearchURL is opened before the member search when set.
	SearchURL string

	// A location is authenticated when it contains any AuthMarkers entry and
	// none of the LoginMarkers.
	AuthMarkers  []string
	LoginMarkers []string

	UsernameKeys []string
	PasswordKeys []string

	Strategy  orchestrator.Strategy
	AfterRun  orchestrator.AfterRun
	CookieJar bool

	Selectors Selectors
}

// AuthenticatedURL reports whether location looks like a logged-in page.
func (d Definition) AuthenticatedURL(location string) bool {
	loc := strings.ToLower(location)
	for _, m := range d.LoginMarkers {
		if strings.Contains(loc, m) {
			return false
		}
	}
	for _, m := range d.AuthMarkers {
		if strings.Contains(loc, m) {
			return true
		}
	}
	return false
}

// Input builds an orchestrator input from a request payload.
func (d Definition) Input(data map[string]any, url string) orchestrator.Input {
	if data == nil {
		data = map[string]any{}
	}
	return orchestrator.Input{
		Credentials: orchestrator.Credentials{
			Username: firstString(data, d.UsernameKeys),
			Password: firstString(data, d.PasswordKeys),
		},
		Data: data,
		URL:  url,
	}
}

func firstString(data map[string]any, keys []string) string {
	for _, k := range keys {
		if s := stringField(data, k); s != "" {
			return s
		}
	}
	return ""
}

func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

const memberSearch = `xpath=//input[@placeholder="Search by member ID"]`

var definitions = map[string]Definition{
	DDMA: {
		Name:         DDMA,
		LoginURL:     "https://providers.deltadentalma.com/onboarding/start/",
		AuthMarkers:  []string{"providers.deltadentalma.com"},
		LoginMarkers: []string{"onboarding", "login"},
		UsernameKeys: []string{"massddmaUsername", "ddmaUsername"},
		PasswordKeys: []string{"massddmaPassword", "ddmaPassword"},
		Strategy:     orchestrator.StrategyEvent,
		AfterRun:     orchestrator.KeepWarm,
		Selectors: Selectors{
			Username:    `xpath=//input[@name='username' and @type='text']`,
			Password:    `xpath=//input[@name='password' and @type='password']`,
			RememberMe:  `xpath=//label[.//span[contains(text(),'Remember me')]]`,
			Submit:      `xpath=//button[@type='submit' and @aria-label='Sign in']`,
			LoginError:  `xpath=//*[contains(@class,'error') or contains(text(),'invalid') or contains(text(),'failed')]`,
			OTPInput:    `xpath=//input[contains(@aria-lable,'Verification code') or contains(@placeholder,'Enter your verification code') or contains(@aria-label,'Verification code')]`,
			OTPSubmit:   `xpath=//button[@type='button' and @aria-label='Verify']`,
			OTPRejected: `xpath=//*[contains(text(),'Invalid code') or contains(text(),'incorrect')]`,
			SearchReady: memberSearch,
			MemberID:    memberSearch,
			DateOfBirth: `xpath=//div[@data-testid='member-search_date-of-birth']//input`,
			FirstName:   `xpath=//input[@placeholder="First name - 1 char minimum" or contains(@name,"firstName")]`,
			LastName:    `xpath=//input[@placeholder="Last name - 2 char minimum" or contains(@name,"lastName")]`,
			Search:      `xpath=//button[@data-testid="member-search_search-button"]`,
			NoResults:   `xpath=//div[@data-testid="member-search-result-no-results"]`,
			ResultRow:   `xpath=(//tbody//tr)[1]`,
			PatientName: `xpath=(//tbody//tr)[1]//td[1]`,
			Eligibility: `xpath=(//tbody//tr)[1]//*[contains(text(),'Active') or contains(text(),'Inactive') or contains(text(),'Eligible')]`,
		},
	},
	DentaQuest: {
		Name:         DentaQuest,
		LoginURL:     "https://providers.dentaquest.com/onboarding/start/",
		AuthMarkers:  []string{"dashboard", "member"},
		LoginMarkers: []string{"onboarding", "login"},
		UsernameKeys: []string{"dentaquestUsername"},
		PasswordKeys: []string{"dentaquestPassword"},
		Strategy:     orchestrator.StrategyEvent,
		AfterRun:     orchestrator.KeepWarm,
		Selectors: Selectors{
			Username:    `xpath=//input[@name='username' or @type='text']`,
			Password:    `xpath=//input[@type='password']`,
			Submit:      `xpath=//button[@type='submit']`,
			LoginError:  `xpath=//*[contains(@class,'error') or contains(text(),'invalid')]`,
			OTPInput:    `xpath=//input[@type='tel' or contains(@placeholder,'code') or contains(@aria-label,'Verification')]`,
			OTPSubmit:   `xpath=//button[@type='submit' or contains(text(),'Verify')]`,
			OTPRejected: `xpath=//*[contains(text(),'Invalid code') or contains(text(),'incorrect')]`,
			SearchReady: memberSearch,
			MemberID:    memberSearch,
			DateOfBirth: `xpath=//div[contains(@data-testid,'date-of-birth')]//input`,
			FirstName:   `xpath=//input[contains(@name,"firstName") or contains(@id,"firstName")]`,
			LastName:    `xpath=//input[contains(@name,"lastName") or contains(@id,"lastName")]`,
			Search:      `xpath=//button[@data-testid="member-search_search-button"]`,
			NoResults:   `xpath=//*[contains(@data-testid,"no-results") or contains(text(),"No results") or contains(text(),"No member found")]`,
			ResultRow:   `xpath=(//tbody//tr)[1]`,
			PatientName: `xpath=(//tbody//tr)[1]//td[1]`,
			Eligibility: `xpath=(//tbody//tr)[1]//*[contains(text(),'Active') or contains(text(),'Inactive') or contains(text(),'Eligible')]`,
		},
	},
	DeltaIns: {
		Name:         DeltaIns,
		LoginURL:     "https://www.deltadentalins.com/ciam/login?TARGET=%2Fprovider-tools%2Fv2",
		SearchURL:    "https://www.deltadentalins.com/provider-tools/v2/patient-search",
		AuthMarkers:  []string{"provider-tools"},
		LoginMarkers: []string{"login", "ciam"},
		UsernameKeys: []string{"deltainsUsername", "deltains_username"},
		PasswordKeys: []string{"deltainsPassword", "deltains_password"},
		Strategy:     orchestrator.StrategyPoll,
		AfterRun:     orchestrator.CloseBrowser,
		CookieJar:    true,
		Selectors: Selectors{
			CookieBanner: "#onetrust-accept-btn-handler",
			Username:     `xpath=//input[@name='identifier' or @id='okta-signin-username' or (@type='text' and @autocomplete='username')]`,
			Next:         `xpath=//input[@type='submit' and @value='Next']`,
			Password:     `xpath=//input[@type='password']`,
			Submit:       `xpath=//input[@type='submit'] | //button[@type='submit']`,
			LoginError:   `xpath=//*[contains(@class,'alert-error') or contains(@class,'o-form-has-errors')]`,
			PreOTP: []string{
				`css=div[data-se='okta_email'] a.select-factor`,
				`xpath=//input[@value='Send me an email'] | //button[contains(text(),'Send me an email')]`,
			},
			OTPInput:    `xpath=//input[@name='credentials.passcode' or contains(@name,'passcode')]`,
			OTPSubmit:   `xpath=//input[@type='submit' and @value='Verify'] | //button[contains(text(),'Verify')]`,
			OTPRejected: `xpath=//*[contains(@class,'o-form-error-container')]//*[contains(text(),'Invalid')]`,
			SearchReady: `xpath=//*[contains(text(),'Search by member ID')]`,
			SearchTab:   `xpath=//*[contains(text(),'Search by member ID')]`,
			MemberID:    "#memberId",
			DateOfBirth: "#dob",
			FirstName:   "#firstName",
			LastName:    "#lastName",
			Search:      `xpath=//button[@type='submit' and contains(.,'Search')]`,
			NoResults:   `xpath=//*[contains(text(),'No patients found') or contains(text(),'not found')]`,
			ResultRow:   `xpath=//*[contains(@class,'patient-card') or contains(@class,'search-result')]`,
			PatientName: `xpath=(//*[contains(@class,'patient-card') or contains(@class,'search-result')])[1]//*[contains(@class,'name')]`,
			Eligibility: `xpath=(//*[contains(@class,'patient-card') or contains(@class,'search-result')])[1]//*[contains(@class,'status')]`,
		},
	},
	UnitedSCO: {
		Name:         UnitedSCO,
		LoginURL:     "https://app.dentalhub.com/app/login",
		SearchURL:    "https://app.dentalhub.com/app/patient/eligibility",
		AuthMarkers:  []string{"app.dentalhub.com"},
		LoginMarkers: []string{"login", "b2clogin.com"},
		UsernameKeys: []string{"unitedscoUsername"},
		PasswordKeys: []string{"unitedscoPassword"},
		Strategy:     orchestrator.StrategyPoll,
		AfterRun:     orchestrator.KeepWarm,
		Selectors: Selectors{
			Username:   `xpath=//input[@id='signInName' or @type='email' or @name='Email Address']`,
			Password:   `xpath=//input[@type='password']`,
			Submit:     `xpath=//button[@id='next' or @type='submit']`,
			LoginError: `xpath=//*[contains(@class,'error') and contains(@class,'pageLevel')]`,
			PreOTP: []string{
				`xpath=//input[@type='radio' and contains(@id,'phone')]`,
				`xpath=//button[contains(text(),'Continue') or contains(text(),'Send')]`,
			},
			OTPInput:    `xpath=//input[contains(@id,'verificationCode') or contains(@placeholder,'code')]`,
			OTPSubmit:   `xpath=//button[@type='button' and @aria-label='Verify'] | //button[contains(text(),'Verify') or contains(text(),'Submit')]`,
			OTPRejected: `xpath=//*[contains(text(),'wrong code') or contains(text(),'Invalid')]`,
			SearchReady: "#firstName_Back",
			MemberID:    `xpath=//input[contains(@id,'subscriberId') or contains(@id,'memberId')]`,
			DateOfBirth: "#dateOfBirth_Back",
			FirstName:   "#firstName_Back",
			LastName:    "#lastName_Back",
			Search:      `xpath=//button[contains(text(),'Continue') or contains(text(),'Search')]`,
			NoResults:   `xpath=//*[contains(text(),'No eligibility') or contains(text(),'not found')]`,
			ResultRow:   `xpath=//*[contains(@class,'eligibility-result') or contains(@class,'patient-info')]`,
			PatientName: `xpath=//*[contains(@class,'patient-name')]`,
			Eligibility: `xpath=//*[contains(@class,'eligibility-status')]`,
		},
	},
}

// Lookup returns the definition of a supported portal.
func Lookup(name string) (Definition, bool) {
	d, ok := definitions[strings.ToLower(name)]
	return d, ok
}

// Supported lists the supported portal names in order.
func Supported() []string {
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
