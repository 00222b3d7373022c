package fhirmodels

// Common FHIR value set constants used across the application.

// AdministrativeGender codes.
const (
	GenderMale    = "male"
	GenderFemale  = "female"
	GenderOther   = "other"
	GenderUnknown = "unknown"
)

// Genders lists every AdministrativeGender code.
var Genders = []string{GenderMale, GenderFemale, GenderOther, GenderUnknown}

// ContactPointSystem codes the patient form carries.
const (
	ContactSystemPhone = "phone"
	ContactSystemEmail = "email"
)

// NameUse codes.
const (
	NameUseOfficial = "official"
	NameUseUsual    = "usual"
)

// IdentifierUse codes.
const (
	IdentifierUseUsual    = "usual"
	IdentifierUseOfficial = "official"
)

// Identifier type codes per HL7 v2 table 0203.
const (
	IdentifierTypeSystem = "http://terminology.hl7.org/CodeSystem/v2-0203"
	IdentifierTypeMRN    = "MR"
)
