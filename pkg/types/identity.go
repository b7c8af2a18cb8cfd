package types

import "encoding/json"

// Role represents the ledger role registered for an address
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleLab     Role = "lab"
	RoleNone    Role = "none"
)

// Valid reports whether the role is one of the registrable roles
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor || r == RoleLab
}

// Unknown is the value of any profile field missing from a stored document
const Unknown = "unknown"

// Identity is a wallet address resolved against the ledger
type Identity struct {
	Address        Address  `json:"address"`
	Role           Role     `json:"role"`
	ProfileHash    string   `json:"profileHash,omitempty"`
	Specialization string   `json:"specialization,omitempty"`
	LabName        string   `json:"labName,omitempty"`
	Profile        *Profile `json:"profile"`
}

// Registered reports whether the identity carries a role
func (i *Identity) Registered() bool {
	return i != nil && i.Role.Valid()
}

// DisplayName returns the best human-readable label for the identity
func (i *Identity) DisplayName() string {
	if i.Profile != nil {
		if name := i.Profile.DisplayName(); name != Unknown {
			return name
		}
	}
	if i.Role == RoleLab && i.LabName != "" {
		return i.LabName
	}
	return i.Address.String()
}

// Participant is the ledger-side view of a registered address
type Participant struct {
	Address        Address `json:"address"`
	Role           Role    `json:"role"`
	ProfileHash    string  `json:"profileHash"`
	Specialization string  `json:"specialization,omitempty"`
	LabName        string  `json:"labName,omitempty"`
	RegisteredAt   string  `json:"registeredAt"`
}

// Profile is a tagged variant over the per-role profile documents
type Profile struct {
	Kind    Role            `json:"kind"`
	Patient *PatientProfile `json:"patient,omitempty"`
	Doctor  *DoctorProfile  `json:"doctor,omitempty"`
	Lab     *LabProfile     `json:"lab,omitempty"`
}

// DisplayName returns the name carried by the profile variant
func (p *Profile) DisplayName() string {
	switch {
	case p == nil:
		return Unknown
	case p.Patient != nil:
		return joinName(p.Patient.FirstName, p.Patient.LastName)
	case p.Doctor != nil:
		return joinName(p.Doctor.FirstName, p.Doctor.LastName)
	case p.Lab != nil:
		return p.Lab.LabName
	}
	return Unknown
}

func joinName(first, last string) string {
	switch {
	case first == Unknown && last == Unknown:
		return Unknown
	case last == Unknown:
		return first
	case first == Unknown:
		return last
	}
	return first + " " + last
}

// PatientProfile is the profile document of a patient
type PatientProfile struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Age        string `json:"age"`
	Gender     string `json:"gender"`
	BloodGroup string `json:"bloodGroup"`
	Allergies  string `json:"allergies"`
	Address    string `json:"address"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
}

// DoctorProfile is the profile document of a doctor
type DoctorProfile struct {
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Specialization    string `json:"specialization"`
	YearsOfExperience string `json:"yearsOfExperience"`
	MedicalLicense    string `json:"medicalLicense"`
	Hospital          string `json:"hospital"`
	Phone             string `json:"phone"`
	Email             string `json:"email"`
}

// LabProfile is the profile document of a lab
type LabProfile struct {
	LabName        string `json:"labName"`
	Address        string `json:"address"`
	Phone          string `json:"phone"`
	Email          string `json:"email"`
	LicenseNumber  string `json:"licenseNumber"`
	Accreditation  string `json:"accreditation"`
	Services       string `json:"services"`
	OperatingHours string `json:"operatingHours"`
	ContactPerson  string `json:"contactPerson"`
	Website        string `json:"website"`
}

// DecodeProfile maps a raw profile document onto the variant for role.
// Missing, null or non-scalar fields become Unknown.
func DecodeProfile(role Role, raw json.RawMessage) (*Profile, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	get := func(name string) string {
		switch v := fields[name].(type) {
		case string:
			if v == "" {
				return Unknown
			}
			return v
		case float64:
			b, _ := json.Marshal(v)
			return string(b)
		case bool:
			if v {
				return "true"
			}
			return "false"
		}
		return Unknown
	}

	p := &Profile{Kind: role}
	switch role {
	case RolePatient:
		p.Patient = &PatientProfile{
			FirstName:  get("firstName"),
			LastName:   get("lastName"),
			Age:        get("age"),
			Gender:     get("gender"),
			BloodGroup: get("bloodGroup"),
			Allergies:  get("allergies"),
			Address:    get("address"),
			Phone:      get("phone"),
			Email:      get("email"),
		}
	case RoleDoctor:
		p.Doctor = &DoctorProfile{
			FirstName:         get("firstName"),
			LastName:          get("lastName"),
			Specialization:    get("specialization"),
			YearsOfExperience: get("yearsOfExperience"),
			MedicalLicense:    get("medicalLicense"),
			Hospital:          get("hospital"),
			Phone:             get("phone"),
			Email:             get("email"),
		}
	case RoleLab:
		p.Lab = &LabProfile{
			LabName:        get("labName"),
			Address:        get("address"),
			Phone:          get("phone"),
			Email:          get("email"),
			LicenseNumber:  get("licenseNumber"),
			Accreditation:  get("accreditation"),
			Services:       get("services"),
			OperatingHours: get("operatingHours"),
			ContactPerson:  get("contactPerson"),
			Website:        get("website"),
		}
	default:
		return nil, NewValidationError("DecodeProfile", string(role), "no profile shape for role")
	}
	return p, nil
}

// IdentityList is the result of a fan-out resolution. Addresses that could
// not be resolved are omitted from Identities and reported in Failures.
type IdentityList struct {
	Identities []*Identity   `json:"identities"`
	Failures   []ItemFailure `json:"failures,omitempty"`
}
