package query

import "datacore/internal/apperr"

func errInvalidQuery(format string, args ...any) error {
	return apperr.InvalidQuery(format, args...)
}

func errUnknownCollection(name string) error {
	return apperr.UnknownCollection(name)
}

func errForbiddenField(collection, field string) error {
	return apperr.Forbidden("You don't have permission to access field \"" + field + "\" in collection \"" + collection + "\" or it does not exist.")
}
